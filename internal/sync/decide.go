package sync

import "time"

// version is the part of a record that drives reconciliation.
type version struct {
	deleted    bool
	modifiedAt time.Time
}

// plan is the outcome of comparing a local record with a peer record.
type plan struct {
	// create inserts the peer record.
	create bool
	// update overwrites the local record with the peer record.
	update bool
	// dump creates every child the peer holds under the record.
	dump bool
	// descend diffs the children one level down.
	descend bool
	// cascade removes every local child of the record.
	cascade bool
}

// decide applies last-writer-wins on modifiedAt. Ties keep the local record.
// local is nil when the record has never been seen here.
func decide(local *version, peer version) plan {
	if local == nil {
		return plan{create: true, dump: !peer.deleted}
	}

	newer := peer.modifiedAt.After(local.modifiedAt)
	switch {
	case !local.deleted && !peer.deleted:
		return plan{update: newer, descend: true}
	case !local.deleted && peer.deleted:
		return plan{update: newer, cascade: newer}
	case local.deleted && !peer.deleted:
		return plan{update: newer, dump: newer}
	default:
		return plan{update: newer}
	}
}
