package membership

// Listener observes the local node's view lifecycle. A transition in which the local
// node joins or leaves is reported only through OnJoined/OnLeft, never through
// OnMembershipChanged.
type Listener interface {
    OnJoined()
    OnLeft(reason LeaveReason)
    OnMembershipChanged(ev Event)
}

// FailureListener observes evidence recorded by the failure detector.
type FailureListener interface {
    OnMemberFailed(n Node)
    OnMemberLeft(n Node)
}

// ListenerFuncs adapts optional funcs to Listener and FailureListener.
type ListenerFuncs struct {
    Joined       func()
    Left         func(reason LeaveReason)
    Changed      func(ev Event)
    MemberFailed func(n Node)
    MemberLeft   func(n Node)
}

func (f ListenerFuncs) OnJoined() {
    if f.Joined != nil { f.Joined() }
}

func (f ListenerFuncs) OnLeft(reason LeaveReason) {
    if f.Left != nil { f.Left(reason) }
}

func (f ListenerFuncs) OnMembershipChanged(ev Event) {
    if f.Changed != nil { f.Changed(ev) }
}

func (f ListenerFuncs) OnMemberFailed(n Node) {
    if f.MemberFailed != nil { f.MemberFailed(n) }
}

func (f ListenerFuncs) OnMemberLeft(n Node) {
    if f.MemberLeft != nil { f.MemberLeft(n) }
}

var (
    _ Listener        = ListenerFuncs{}
    _ FailureListener = ListenerFuncs{}
)
