package wire

import "strconv"

// Opcode 是载荷第一个字节承载的操作码。
// 认证监听和仲裁连接各自使用独立的操作码空间。
type Opcode byte

// 认证监听入站操作码（客户端/世界服务器 -> 认证）。
const (
	OpLogin        Opcode = iota // 登录请求（凭据已在外层校验）
	OpWorldList                  // 世界列表请求
	OpAboutToPlay                // 选择世界，发起交接
	OpWorldConfirm               // 世界服务器确认接收会话
	OpWorldLeave                 // 世界服务器通知会话回到大厅
	OpLogout                     // 主动登出
	OpTouch                      // 空闲保活
	OpPurchase                   // 购买请求
	OpRecover                    // 未保存交易恢复请求

	opAuthMax
)

// 认证监听出站操作码（认证 -> 客户端/世界服务器）。
const (
	OpLoginResult Opcode = iota
	OpWorldListResult
	OpPlayOK
	OpKick
	OpPurchaseResult
	OpRecoverResult
)

// 仲裁连接出站操作码（认证 -> IP 会话仲裁）。
const (
	OpGuardAcquire Opcode = iota
	OpGuardRelease
	OpGuardStartCharge
	OpGuardStopCharge
	OpGuardReadyCharge
	OpGuardConfirmStartTime
)

// 仲裁连接入站操作码（IP 会话仲裁 -> 认证）。
const (
	OpGuardGranted Opcode = iota
	OpGuardDenied
	OpGuardKick
	OpGuardChargeAck

	opGuardMax
)

// AuthMaxOpcode 认证监听允许的最大入站操作码（不含）。
const AuthMaxOpcode = opAuthMax

// GuardMaxOpcode 仲裁连接允许的最大入站操作码（不含）。
const GuardMaxOpcode = opGuardMax

func (op Opcode) String() string {
	return strconv.Itoa(int(op))
}
