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

package api

import (
	"encoding/json"
	"net/http"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

// httpBadRequestError is the set of errors that are caused by the caller,
// they map to status 400 instead of 500.
var httpBadRequestError = []*errors.Error{
	cerror.ErrAPIInvalidParam, cerror.ErrSinkURIInvalid, cerror.ErrSinkSchemeNotSupported,
	cerror.ErrChangeFeedNotExists, cerror.ErrChangeFeedAlreadyExists,
	cerror.ErrChangefeedIDInvalid, cerror.ErrChangefeedAbnormalState,
	cerror.ErrCaptureNotExist, cerror.ErrTableNotFound,
	cerror.ErrChangeFeedDeletionUnfinished, cerror.ErrInvalidLogLevel,
}

// IsHTTPBadRequestError checks if the error should be returned to the
// caller as a 400.
func IsHTTPBadRequestError(err error) bool {
	if err == nil {
		return false
	}
	for _, e := range httpBadRequestError {
		if e.Equal(err) {
			return true
		}
		rfcCode, ok := cerror.RFCCode(err)
		if ok && e.RFCCode() == rfcCode {
			return true
		}
	}
	return false
}

// WriteError writes an error into the response with the matching status
// code, the body carries the stable error code and message.
func WriteError(w http.ResponseWriter, statusCode int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	body, marshalErr := json.Marshal(model.NewHTTPError(err))
	if marshalErr != nil {
		log.Error("marshal error response failed", zap.Error(marshalErr))
		return
	}
	if _, writeErr := w.Write(body); writeErr != nil {
		log.Error("write error response failed", zap.Error(writeErr))
	}
}

// WriteData writes the given data into the response as indented JSON.
func WriteData(w http.ResponseWriter, data interface{}) {
	js, err := json.MarshalIndent(data, "", " ")
	if err != nil {
		log.Error("invalid json data", zap.Reflect("data", data), zap.Error(err))
		WriteError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if _, err = w.Write(js); err != nil {
		log.Error("write response failed", zap.Error(err))
	}
}
