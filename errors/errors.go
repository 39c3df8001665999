// Copyright 2025 The Verso Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

type ErrorCode int

const (
	FatalProtocolViolation ErrorCode = iota + 1000
	FatalDataValidation
	DuplicateData
	LossyRewind
	PushTimeout
	StorageFailure
	Unavailable ErrorCode = iota + 2000
	ShutdownError
	InvalidConfiguration ErrorCode = iota + 3000
	InternalError        ErrorCode = iota + 5000
)

// VersoError is the coded error surfaced by the ingestion engine. The code
// tells the caller whether the condition fails the partition, the task, or
// is informational only.
type VersoError struct {
	Code ErrorCode
	Msg  string
}

func (v VersoError) Error() string {
	return v.Msg
}

func NewVersoError(code ErrorCode, msg string) VersoError {
	return VersoError{Code: code, Msg: msg}
}

func NewVersoErrorf(code ErrorCode, msgFormat string, args ...interface{}) VersoError {
	return VersoError{Code: code, Msg: fmt.Sprintf(msgFormat, args...)}
}

func NewInvalidConfigurationError(msg string) VersoError {
	return NewVersoErrorf(InvalidConfiguration, "invalid configuration: %s", msg)
}

func IsVersoErrorWithCode(err error, code ErrorCode) bool {
	var verr VersoError
	if pkgerrors.As(err, &verr) {
		return verr.Code == code
	}
	return false
}

func IsUnavailableError(err error) bool {
	return IsVersoErrorWithCode(err, Unavailable)
}

func IsFatalForPartition(err error) bool {
	var verr VersoError
	if !pkgerrors.As(err, &verr) {
		// Uncoded errors are treated as fatal
		return true
	}
	switch verr.Code {
	case FatalProtocolViolation, FatalDataValidation, LossyRewind, PushTimeout, StorageFailure, InternalError:
		return true
	}
	return false
}

func New(msg string) error {
	return pkgerrors.New(msg)
}

func Errorf(format string, args ...interface{}) error {
	return pkgerrors.Errorf(format, args...)
}

func WithStack(err error) error {
	return pkgerrors.WithStack(err)
}

func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

func As(err error, target interface{}) bool {
	return pkgerrors.As(err, target)
}

func Is(err, target error) bool {
	return pkgerrors.Is(err, target)
}
