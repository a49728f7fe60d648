// Copyright 2025 The DeltaFlow Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

package errors

import (
	"github.com/pingcap/errors"
)

// errors
var (
	// registry related errors
	ErrChangeFeedNotExists = errors.Normalize(
		"changefeed not exists, %s",
		errors.RFCCodeText("CDC:ErrChangeFeedNotExists"),
	)
	ErrChangeFeedAlreadyExists = errors.Normalize(
		"changefeed already exists, %s",
		errors.RFCCodeText("CDC:ErrChangeFeedAlreadyExists"),
	)
	ErrChangeFeedDeletionUnfinished = errors.Normalize(
		"changefeed exists after deletion, %s",
		errors.RFCCodeText("CDC:ErrChangeFeedDeletionUnfinished"),
	)
	ErrCaptureNotExist = errors.Normalize(
		"capture not exists, %s",
		errors.RFCCodeText("CDC:ErrCaptureNotExist"),
	)
	ErrTaskStatusNotExists = errors.Normalize(
		"task status not exists, %s",
		errors.RFCCodeText("CDC:ErrTaskStatusNotExists"),
	)
	ErrTableNotFound = errors.Normalize(
		"table %d not found in changefeed %s",
		errors.RFCCodeText("CDC:ErrTableNotFound"),
	)
	ErrAdminJobNotFound = errors.Normalize(
		"admin job not exists, %s",
		errors.RFCCodeText("CDC:ErrAdminJobNotFound"),
	)
	ErrEtcdAPIError = errors.Normalize(
		"etcd api call error",
		errors.RFCCodeText("CDC:ErrEtcdAPIError"),
	)
	ErrEtcdSessionDone = errors.Normalize(
		"the etcd session is done",
		errors.RFCCodeText("CDC:ErrEtcdSessionDone"),
	)

	// marshal/unmarshal errors
	ErrMarshalFailed = errors.Normalize(
		"marshal failed",
		errors.RFCCodeText("CDC:ErrMarshalFailed"),
	)
	ErrUnmarshalFailed = errors.Normalize(
		"unmarshal failed",
		errors.RFCCodeText("CDC:ErrUnmarshalFailed"),
	)
	ErrChangefeedIDInvalid = errors.Normalize(
		"bad changefeed id, please match the pattern \"^[a-zA-Z0-9]+(\\-[a-zA-Z0-9]+)*$\", the length should no more than %d, eg, \"simple-changefeed-task\"",
		errors.RFCCodeText("CDC:ErrChangefeedIDInvalid"),
	)

	// sink related errors
	ErrSinkURIInvalid = errors.Normalize(
		"sink uri invalid '%s'",
		errors.RFCCodeText("CDC:ErrSinkURIInvalid"),
	)
	ErrSinkSchemeNotSupported = errors.Normalize(
		"sink scheme is not supported %s",
		errors.RFCCodeText("CDC:ErrSinkSchemeNotSupported"),
	)
	ErrMySQLConnectionError = errors.Normalize(
		"MySQL connection error",
		errors.RFCCodeText("CDC:ErrMySQLConnectionError"),
	)

	// capture/owner related errors
	ErrCaptureSuicide = errors.Normalize(
		"capture suicide",
		errors.RFCCodeText("CDC:ErrCaptureSuicide"),
	)
	ErrCaptureRegister = errors.Normalize(
		"capture register to etcd failed",
		errors.RFCCodeText("CDC:ErrCaptureRegister"),
	)
	ErrCaptureCampaignOwner = errors.Normalize(
		"campaign owner failed",
		errors.RFCCodeText("CDC:ErrCaptureCampaignOwner"),
	)
	ErrCaptureResignOwner = errors.Normalize(
		"resign owner failed",
		errors.RFCCodeText("CDC:ErrCaptureResignOwner"),
	)
	ErrNewCaptureFailed = errors.Normalize(
		"new capture failed",
		errors.RFCCodeText("CDC:ErrNewCaptureFailed"),
	)
	ErrNotOwner = errors.Normalize(
		"this capture is not a owner",
		errors.RFCCodeText("CDC:ErrNotOwner"),
	)
	ErrOwnerNotFound = errors.Normalize(
		"owner not found",
		errors.RFCCodeText("CDC:ErrOwnerNotFound"),
	)
	ErrOwnerExited = errors.Normalize(
		"the owner has exited",
		errors.RFCCodeText("CDC:ErrOwnerExited"),
	)
	ErrSchedulerRequestFailed = errors.Normalize(
		"scheduler request failed, %s",
		errors.RFCCodeText("CDC:ErrSchedulerRequestFailed"),
	)
	ErrProcessorExited = errors.Normalize(
		"the processor has exited",
		errors.RFCCodeText("CDC:ErrProcessorExited"),
	)

	// server related errors
	ErrAPIInvalidParam = errors.Normalize(
		"invalid api parameter",
		errors.RFCCodeText("CDC:ErrAPIInvalidParam"),
	)
	ErrInternalServerError = errors.Normalize(
		"internal server error",
		errors.RFCCodeText("CDC:ErrInternalServerError"),
	)
	ErrServerIsNotReady = errors.Normalize(
		"the server is not ready yet, please try again later",
		errors.RFCCodeText("CDC:ErrServerIsNotReady"),
	)
	ErrServeHTTP = errors.Normalize(
		"serve http error",
		errors.RFCCodeText("CDC:ErrServeHTTP"),
	)
	ErrInvalidServerOption = errors.Normalize(
		"invalid server option",
		errors.RFCCodeText("CDC:ErrInvalidServerOption"),
	)
	ErrInvalidLogLevel = errors.Normalize(
		"invalid log level %s",
		errors.RFCCodeText("CDC:ErrInvalidLogLevel"),
	)

	// changefeed runtime errors
	ErrChangefeedAbnormalState = errors.Normalize(
		"changefeed in abnormal state: %s, can not handle: %v",
		errors.RFCCodeText("CDC:ErrChangefeedAbnormalState"),
	)
	ErrChangefeedUnretryable = errors.Normalize(
		"changefeed is in unretryable state, please check the error message, and you should manually handle it",
		errors.RFCCodeText("CDC:ErrChangefeedUnretryable"),
	)
)
