package session

// State 会话连接状态。状态只向前推进：
// new → connecting → open → {disconnected, failed} → closed，
// 重试必须创建新的会话对象，绝不复活旧会话。
type State int

const (
	StateNew State = iota
	StateConnecting
	StateOpen
	StateDisconnected
	StateFailed
	StateClosed
)

// String 返回状态的可读名称
func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateDisconnected:
		return "disconnected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// terminal 判断是否为终止路径上的状态
func (s State) terminal() bool {
	return s >= StateDisconnected
}
