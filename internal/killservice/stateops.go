package killservice

import "context"

// StateOpProcessor exposes the direct-expunge capability (C4) used when
// the driver cannot make progress on an instance (it is lost) or has
// exhausted its retry budget. The core does not observe acknowledgement
// of ForceExpunge directly; it relies on the resulting terminal event
// arriving on the EventBus to clear its tables.
type StateOpProcessor interface {
	ForceExpunge(ctx context.Context, id InstanceId)
}
