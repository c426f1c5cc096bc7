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
	"github.com/cockroachdb/errors"
	"github.com/samber/lo"
)

const (
	CanceledCode int32 = 10000
	TimeoutCode  int32 = 10001
)

type ErrorType int32

const (
	SystemError ErrorType = 0
	InputError  ErrorType = 1
)

var ErrorTypeName = map[ErrorType]string{
	SystemError: "system_error",
	InputError:  "input_error",
}

func (err ErrorType) String() string {
	return ErrorTypeName[err]
}

// Define leaf errors here,
// WARN: take care to add new error,
// check whether you can use the errors below before adding a new one.
// Name: Err + related prefix + error name
var (
	// Service related
	ErrServiceNotReady    = newAuthError("service not ready", 1, true) // This indicates the service is still in init
	ErrServiceUnavailable = newAuthError("service unavailable", 2, true)
	ErrServiceInternal    = newAuthError("service internal error", 3, false)
	ErrServiceStopping    = newAuthError("service is stopping", 4, true)

	// Session related
	ErrSessionNotFound     = newAuthError("session not found", 100, false)
	ErrSessionDuplicate    = newAuthError("account already logged in", 101, false)
	ErrSessionIllegalState = newAuthError("illegal session state transition", 102, false)
	ErrSessionStale        = newAuthError("stale session confirmation", 103, false)
	ErrSessionNoLoginInfo  = newAuthError("no login info for session", 104, false)
	ErrSessionIdleExpired  = newAuthError("session idle timer expired", 105, false)
	ErrSessionInGame       = newAuthError("session already playing in a world", 106, false)

	// Guard (fleet-wide IP session arbiter) related
	ErrGuardUnavailable   = newAuthError("ip session arbiter unavailable", 200, true)
	ErrGuardWaiting       = newAuthError("request already waiting on arbiter", 201, false)
	ErrGuardDenied        = newAuthError("ip session denied", 202, false)
	ErrGuardLinkDown      = newAuthError("arbiter link is down", 203, true)
	ErrGuardKicked        = newAuthError("kicked by arbiter", 204, false)
	ErrGuardTokenNotFound = newAuthError("charge token not found", 205, false)

	// World related
	ErrWorldNotFound = newAuthError("world server not found", 300, false)
	ErrWorldDown     = newAuthError("world server down", 301, true)
	ErrWorldFull     = newAuthError("world server is full", 302, true)

	// Transaction related
	ErrTxnPersistFailed  = newAuthError("transaction persist failed", 400, true)
	ErrTxnNotPaid        = newAuthError("order not paid", 401, false)
	ErrTxnUnknownProduct = newAuthError("unknown product in order", 402, false)
	ErrTxnMalformed      = newAuthError("malformed transaction payload", 403, false)
	ErrTxnRecoverFailed  = newAuthError("unsaved transaction recovery failed", 404, true)

	// Store related
	ErrStoreUnavailable = newAuthError("store unavailable", 500, true)
	ErrStoreNotFound    = newAuthError("record not found in store", 501, false)

	// Wire protocol related
	ErrWireOpcodeOutOfRange = newAuthError("opcode out of range", 600, false)
	ErrWireFrameTooShort    = newAuthError("frame shorter than header", 601, false)
	ErrWireFrameTooLarge    = newAuthError("frame exceeds max payload", 602, false)
	ErrWireTruncatedField   = newAuthError("truncated field in packet", 603, false)

	// Parameter related
	ErrParameterInvalid = newAuthError("invalid parameter", 700, false)

	// Do NOT export this,
	// never allow programmer using this, keep only for converting unknown error to authError
	errUnexpected = newAuthError("unexpected error", (1<<16)-1, false)
)

type errorOption func(*authError)

func WithDetail(detail string) errorOption {
	return func(err *authError) {
		err.detail = detail
	}
}

func WithErrorType(etype ErrorType) errorOption {
	return func(err *authError) {
		err.errType = etype
	}
}

type authError struct {
	msg       string
	detail    string
	retriable bool
	errCode   int32
	errType   ErrorType
}

func newAuthError(msg string, code int32, retriable bool, options ...errorOption) authError {
	err := authError{
		msg:       msg,
		detail:    msg,
		retriable: retriable,
		errCode:   code,
	}

	for _, option := range options {
		option(&err)
	}
	return err
}

func (e authError) code() int32 {
	return e.errCode
}

func (e authError) Error() string {
	return e.msg
}

func (e authError) Detail() string {
	return e.detail
}

func (e authError) Is(err error) bool {
	cause := errors.Cause(err)
	if cause, ok := cause.(authError); ok {
		return e.errCode == cause.errCode
	}
	return false
}

type multiErrors struct {
	errs []error
}

func (e multiErrors) Unwrap() error {
	if len(e.errs) <= 1 {
		return nil
	}
	// To make merr work for multi errors,
	// we need cause of multi errors, which defined as the last error
	if len(e.errs) == 2 {
		return e.errs[1]
	}

	return multiErrors{
		errs: e.errs[1:],
	}
}

func (e multiErrors) Error() string {
	final := e.errs[0]
	for i := 1; i < len(e.errs); i++ {
		final = errors.Wrap(e.errs[i], final.Error())
	}
	return final.Error()
}

func (e multiErrors) Is(err error) bool {
	for _, item := range e.errs {
		if errors.Is(item, err) {
			return true
		}
	}
	return false
}

// Combine 将多个错误合并为一个，nil 会被过滤掉。
func Combine(errs ...error) error {
	errs = lo.Filter(errs, func(err error, _ int) bool { return err != nil })
	if len(errs) == 0 {
		return nil
	}
	return multiErrors{
		errs,
	}
}
