// Package schema defines the record types captured on a field device.
//
// # Overview
//
// Two kinds of records are captured by store staff: attendance events
// (check-in / check-out) and sale events (refill or new bottle sold out of a
// stock item). Records that cannot be written to the remote store right away
// are wrapped in an Envelope and kept in the local queue until a sync run
// delivers them.
//
// # Envelope Format
//
// Envelopes are stored as JSON, both inside the local queue and as spool
// files dropped into the daemon's spool directory:
//
//	{
//	  "kind": "sale",
//	  "localId": 12,
//	  "capturedAt": "2026-10-18T09:00:00Z",
//	  "sale": {
//	    "clientEventId": "1b4e28ba-2fa1-11d2-883f-0016d3cca427",
//	    "employeeId": "emp-7",
//	    "storeId": "store-3",
//	    "stockItemId": "stk-41",
//	    "quantitySoldMl": 30,
//	    "unitPrice": 1500,
//	    "bottleType": "Refill 30ml",
//	    "timestamp": "2026-10-18T09:00:00Z"
//	  }
//	}
//
// Exactly one of "attendance" or "sale" is present and it must match "kind".
//
// # Usage
//
//	env := schema.NewSale(schema.SaleEvent{...})
//	if err := env.Validate(); err != nil {
//	    return err
//	}
//
// Spool files are read with ReadEnvelopeFile and written with
// WriteEnvelopeFile.
package schema
