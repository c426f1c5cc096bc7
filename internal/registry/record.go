package registry

import (
	"time"
)

// Mode 会话所处的生命周期阶段。
type Mode int32

const (
	ModePreLogin Mode = iota
	ModeLoggedIn
	ModeAwaitingWorld
	ModeInGame
)

var modeNames = map[Mode]string{
	ModePreLogin:      "PreLogin",
	ModeLoggedIn:      "LoggedIn",
	ModeAwaitingWorld: "AwaitingWorld",
	ModeInGame:        "InGame",
}

func (m Mode) String() string {
	if name, ok := modeNames[m]; ok {
		return name
	}
	return "Unknown"
}

// legalTransitions 定义允许的状态迁移。
// 所有迁移在注册表锁内完成，单个身份上全序。
var legalTransitions = map[Mode][]Mode{
	ModePreLogin:      {ModeLoggedIn},
	ModeLoggedIn:      {ModeAwaitingWorld},
	ModeAwaitingWorld: {ModeInGame, ModeLoggedIn},
	ModeInGame:        {ModeLoggedIn},
}

func canTransition(from, to Mode) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Billing 计费状态，决定是否需要向仲裁服务申请并发槽位。
type Billing byte

const (
	BillingFree Billing = iota
	BillingPaid
	BillingTrial
)

// Metered 返回该计费状态是否需要占用跨分片并发槽位。
func (b Billing) Metered() bool {
	return b == BillingPaid || b == BillingTrial
}

// Session 是绑定到会话记录上的传输句柄。
// 注册表在记录进入 InGame 之前独占持有该句柄；
// 所有发送都发生在注册表锁之外。
type Session interface {
	// Send 发送一条载荷，无投递保证。
	Send(payload []byte) error
	// Close 关闭底层连接，幂等。
	Close() error
	// RemoteAddr 返回对端地址，仅用于日志与仲裁请求。
	RemoteAddr() string
}

// Record 是单个身份的会话记录。
// Lookup 返回的都是值拷贝，外部无法绕过注册表锁修改内部状态。
type Record struct {
	IdentityID  int64
	DisplayName string
	Session     Session
	Mode        Mode

	CurrentWorldID int
	PendingWorldID int
	LastWorldID    int

	LoginAt        time.Time
	QueueEnteredAt time.Time

	Billing Billing

	// GuardToken 为持有的跨分片并发槽位令牌，0 表示未持有。
	GuardToken int64

	// timerGen 标识当前生效的空闲定时器。
	// 回调携带它被创建时的值，失配说明定时器已被 Touch 替换。
	timer    *time.Timer
	timerGen uint64
}

// snapshot 返回去掉定时器句柄的值拷贝。
func (r *Record) snapshot() Record {
	cp := *r
	cp.timer = nil
	cp.timerGen = 0
	return cp
}
