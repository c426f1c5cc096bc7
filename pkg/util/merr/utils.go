// Licensed to the LF AI & Data foundation under one
// or more contributor license agreements. See the NOTICE file
// distributed with this work for additional information
// regarding copyright ownership. The ASF licenses this file
// to you under the Apache License, Version 2.0 (the
// "License"); you may not use this file except in compliance
// with the License. You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package merr

import (
	"context"
	"fmt"
	"strings"

	"github.com/cockroachdb/errors"
)

// Code 返回给定错误对应的错误码。
func Code(err error) int32 {
	if err == nil {
		return 0
	}

	cause := errors.Cause(err)
	switch specificErr := cause.(type) {
	case authError:
		return specificErr.code()

	default:
		if errors.Is(specificErr, context.Canceled) {
			return CanceledCode
		} else if errors.Is(specificErr, context.DeadlineExceeded) {
			return TimeoutCode
		} else {
			return errUnexpected.code()
		}
	}
}

func IsRetryableErr(err error) bool {
	if err, ok := err.(authError); ok {
		return err.retriable
	}

	return false
}

func IsCanceledOrTimeout(err error) bool {
	return errors.IsAny(err, context.Canceled, context.DeadlineExceeded)
}

func GetErrorType(err error) ErrorType {
	if err, ok := err.(authError); ok {
		return err.errType
	}

	return SystemError
}

// Service 相关错误封装。
func WrapErrServiceNotReady(component string, state string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceNotReady,
		state,
		value("component", component),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceUnavailable(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrServiceUnavailable, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrServiceInternal(msg string, others ...string) error {
	msg = strings.Join(append([]string{msg}, others...), "; ")
	err := wrapFieldsWithDesc(ErrServiceInternal, msg)
	return err
}

// Session 相关错误封装。
func WrapErrSessionNotFound(account string, msg ...string) error {
	err := wrapFields(ErrSessionNotFound, value("account", account))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionDuplicate(account string, mode string, msg ...string) error {
	err := wrapFields(ErrSessionDuplicate,
		value("account", account),
		value("mode", mode),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionIllegalState(account string, from, to string, msg ...string) error {
	err := wrapFields(ErrSessionIllegalState,
		value("account", account),
		value("from", from),
		value("to", to),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionStale(account string, pending, got int, msg ...string) error {
	err := wrapFields(ErrSessionStale,
		value("account", account),
		value("pendingWorld", pending),
		value("gotWorld", got),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionNoLoginInfo(account string, msg ...string) error {
	err := wrapFields(ErrSessionNoLoginInfo, value("account", account))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrSessionInGame(account string, worldID int, msg ...string) error {
	err := wrapFields(ErrSessionInGame,
		value("account", account),
		value("worldID", worldID),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Guard 相关错误封装。
func WrapErrGuardUnavailable(addr string, msg ...string) error {
	err := wrapFields(ErrGuardUnavailable, value("addr", addr))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrGuardWaiting(identity int64, msg ...string) error {
	err := wrapFields(ErrGuardWaiting, value("identity", identity))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrGuardDenied(identity int64, reason int32, msg ...string) error {
	err := wrapFields(ErrGuardDenied,
		value("identity", identity),
		value("reason", reason),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrGuardTokenNotFound(identity int64, msg ...string) error {
	err := wrapFields(ErrGuardTokenNotFound, value("identity", identity))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// World 相关错误封装。
func WrapErrWorldNotFound(worldID int, msg ...string) error {
	err := wrapFields(ErrWorldNotFound, value("worldID", worldID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrWorldDown(worldID int, msg ...string) error {
	err := wrapFields(ErrWorldDown, value("worldID", worldID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Transaction 相关错误封装。
func WrapErrTxnPersistFailed(orderID string, cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrTxnPersistFailed,
		cause.Error(),
		value("orderID", orderID),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrTxnNotPaid(orderID string, msg ...string) error {
	err := wrapFields(ErrTxnNotPaid, value("orderID", orderID))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrTxnUnknownProduct(sku string, msg ...string) error {
	err := wrapFields(ErrTxnUnknownProduct, value("sku", sku))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrTxnMalformed(reason string, msg ...string) error {
	err := wrapFieldsWithDesc(ErrTxnMalformed, reason)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Store 相关错误封装。
func WrapErrStoreUnavailable(cause error, msg ...string) error {
	err := wrapFieldsWithDesc(ErrStoreUnavailable, cause.Error())
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

// Wire 相关错误封装。
func WrapErrWireOpcodeOutOfRange(opcode byte, max byte, msg ...string) error {
	err := wrapFields(ErrWireOpcodeOutOfRange,
		bound("opcode", opcode, 0, max),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrWireTruncatedField(field string, msg ...string) error {
	err := wrapFields(ErrWireTruncatedField, value("field", field))
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalid[T any](expected, actual T, msg ...string) error {
	err := wrapFields(ErrParameterInvalid,
		value("expected", expected),
		value("actual", actual),
	)
	if len(msg) > 0 {
		err = errors.Wrap(err, strings.Join(msg, "->"))
	}
	return err
}

func WrapErrParameterInvalidMsg(fmtStr string, args ...any) error {
	return wrapFieldsWithDesc(ErrParameterInvalid, fmt.Sprintf(fmtStr, args...))
}

func wrapFields(err authError, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.detail = err.msg
	return err
}

func wrapFieldsWithDesc(err authError, desc string, fields ...errorField) error {
	for i := range fields {
		err.msg += fmt.Sprintf("[%s]", fields[i].String())
	}
	err.msg += ": " + desc
	err.detail = err.msg
	return err
}

type errorField interface {
	String() string
}

type valueField struct {
	name  string
	value any
}

func value(name string, value any) valueField {
	return valueField{
		name,
		value,
	}
}

func (f valueField) String() string {
	return fmt.Sprintf("%s=%v", f.name, f.value)
}

type boundField struct {
	name  string
	value any
	lower any
	upper any
}

func bound(name string, value, lower, upper any) boundField {
	return boundField{
		name,
		value,
		lower,
		upper,
	}
}

func (f boundField) String() string {
	return fmt.Sprintf("%v out of range %v <= %s <= %v", f.value, f.lower, f.name, f.upper)
}
