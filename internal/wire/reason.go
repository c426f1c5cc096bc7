package wire

import (
	"github.com/lk2023060901/auth-garden-go/pkg/util/merr"
)

// Reason 是回复帧中携带的单字节拒绝原因码。
type Reason byte

const (
	ReasonOK Reason = iota
	ReasonSystemError
	ReasonAlreadyLoggedIn
	ReasonServerDown
	ReasonGuardDenied
	ReasonGuardUnavailable
	ReasonAlreadyPlaying
	ReasonIllegalState
	ReasonNoLoginInfo
	ReasonNotPaid
	ReasonUnknownProduct
	ReasonStoreFail
	ReasonStaleConfirm
	ReasonMalformed
	ReasonKicked
)

// reasonByCode 将 merr 错误码映射到线缆原因码。
var reasonByCode = map[int32]Reason{
	merr.Code(nil): ReasonOK,

	merr.Code(merr.ErrSessionDuplicate):    ReasonAlreadyLoggedIn,
	merr.Code(merr.ErrSessionIllegalState): ReasonIllegalState,
	merr.Code(merr.ErrSessionStale):        ReasonStaleConfirm,
	merr.Code(merr.ErrSessionNoLoginInfo):  ReasonNoLoginInfo,
	merr.Code(merr.ErrSessionNotFound):     ReasonNoLoginInfo,
	merr.Code(merr.ErrSessionInGame):       ReasonAlreadyPlaying,

	merr.Code(merr.ErrGuardUnavailable): ReasonGuardUnavailable,
	merr.Code(merr.ErrGuardLinkDown):    ReasonGuardUnavailable,
	merr.Code(merr.ErrGuardWaiting):     ReasonAlreadyLoggedIn,
	merr.Code(merr.ErrGuardDenied):      ReasonGuardDenied,
	merr.Code(merr.ErrGuardKicked):      ReasonKicked,

	merr.Code(merr.ErrWorldNotFound): ReasonServerDown,
	merr.Code(merr.ErrWorldDown):     ReasonServerDown,
	merr.Code(merr.ErrWorldFull):     ReasonServerDown,

	merr.Code(merr.ErrTxnNotPaid):        ReasonNotPaid,
	merr.Code(merr.ErrTxnUnknownProduct): ReasonUnknownProduct,
	merr.Code(merr.ErrTxnPersistFailed):  ReasonStoreFail,
	merr.Code(merr.ErrTxnMalformed):      ReasonMalformed,

	merr.Code(merr.ErrStoreUnavailable): ReasonStoreFail,

	merr.Code(merr.ErrServiceUnavailable): ReasonServerDown,

	merr.Code(merr.ErrWireTruncatedField): ReasonMalformed,
	merr.Code(merr.ErrParameterInvalid):   ReasonMalformed,
}

// ReasonOf 将任意错误转换为回复帧原因码。
// 未知错误统一映射为 ReasonSystemError。
func ReasonOf(err error) Reason {
	if err == nil {
		return ReasonOK
	}
	if reason, ok := reasonByCode[merr.Code(err)]; ok {
		return reason
	}
	return ReasonSystemError
}
