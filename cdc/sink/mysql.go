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

package sink

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/deltaflow-io/deltaflow/cdc/model"
	cerror "github.com/deltaflow-io/deltaflow/pkg/errors"
	dmysql "github.com/go-sql-driver/mysql"
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	defaultMySQLConnectTimeout = 3 * time.Second
)

type mysqlSink struct {
	db           *sql.DB
	changefeedID model.ChangeFeedID
}

// newMySQLSink dials the downstream MySQL at creation time so that a dead
// address is reported to the caller instead of surfacing later at runtime.
func newMySQLSink(ctx context.Context, changefeedID model.ChangeFeedID, sinkURI *url.URL, opts map[string]string) (Sink, error) {
	dsnStr, err := buildDSN(sinkURI)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open("mysql", dsnStr)
	if err != nil {
		return nil, cerror.WrapError(cerror.ErrMySQLConnectionError, err)
	}
	pingCtx, cancel := context.WithTimeout(ctx, defaultMySQLConnectTimeout)
	defer cancel()
	if err = db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, cerror.ErrSinkURIInvalid.Wrap(
			errors.Annotatef(err, "fail to open MySQL connection")).GenWithStackByArgs(sinkURI.String())
	}
	log.Info("MySQL sink connected", zap.String("changefeed", changefeedID))
	return &mysqlSink{db: db, changefeedID: changefeedID}, nil
}

func buildDSN(sinkURI *url.URL) (string, error) {
	if sinkURI.Hostname() == "" {
		return "", cerror.ErrSinkURIInvalid.GenWithStackByArgs(sinkURI.String())
	}
	username := sinkURI.User.Username()
	if username == "" {
		username = "root"
	}
	password, _ := sinkURI.User.Password()
	port := sinkURI.Port()
	if port == "" {
		port = "4000"
	}

	dsnStr := fmt.Sprintf("%s:%s@tcp(%s:%s)/%s", username, password,
		sinkURI.Hostname(), port, strings.TrimPrefix(sinkURI.Path, "/"))
	dsn, err := dmysql.ParseDSN(dsnStr)
	if err != nil {
		return "", cerror.WrapError(cerror.ErrSinkURIInvalid, err)
	}
	dsn.Timeout = defaultMySQLConnectTimeout
	return dsn.FormatDSN(), nil
}

func (s *mysqlSink) EmitCheckpointTs(ctx context.Context, ts model.Ts) error {
	// checkpoint persistence downstream is not required, the replication
	// status in etcd is the source of truth
	return nil
}

func (s *mysqlSink) Close(ctx context.Context) error {
	return cerror.WrapError(cerror.ErrMySQLConnectionError, s.db.Close())
}
