// Copyright 2024 The Tessera authors. All Rights Reserved.
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

package history

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"k8s.io/klog/v2"
)

const (
	schemaCompatibilityVersion = 1

	createTableSQL = "CREATE TABLE IF NOT EXISTS `CkptProfileRun` (" +
		"`arch` VARCHAR(128) NOT NULL, " +
		"`batch` INT NOT NULL, " +
		"`avg_iter_dur` DOUBLE NOT NULL, " +
		"`chk_freq` INT NOT NULL, " +
		"`chk_strategy` VARCHAR(16) NOT NULL, " +
		"`use_background_thread` BOOL NOT NULL, " +
		"`realized_overhead_pct` DOUBLE NOT NULL, " +
		"`recorded_at` TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP, " +
		"PRIMARY KEY (`arch`, `batch`, `recorded_at`))"

	insertRunSQL = "INSERT INTO `CkptProfileRun` " +
		"(`arch`, `batch`, `avg_iter_dur`, `chk_freq`, `chk_strategy`, `use_background_thread`, `realized_overhead_pct`) " +
		"VALUES (?, ?, ?, ?, ?, ?, ?)"
)

// MySQLSink is a MySQL-backed Sink.
type MySQLSink struct {
	db *sql.DB
}

// NewMySQLSink opens (and, if necessary, migrates) the run-history table on
// the provided database handle. The caller owns the *sql.DB's lifecycle.
func NewMySQLSink(ctx context.Context, db *sql.DB) (*MySQLSink, error) {
	if err := db.PingContext(ctx); err != nil {
		klog.Errorf("history: failed to ping database: %v", err)
		return nil, fmt.Errorf("history: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, createTableSQL); err != nil {
		return nil, fmt.Errorf("history: ensure schema (compatibility version %d): %w", schemaCompatibilityVersion, err)
	}
	return &MySQLSink{db: db}, nil
}

// RecordRun inserts a row describing one controller decision.
func (s *MySQLSink) RecordRun(ctx context.Context, r Run) error {
	_, err := s.db.ExecContext(ctx, insertRunSQL,
		r.Arch, r.Batch, r.AvgIterDur, r.ChkFreq, r.ChkStrategy, r.UseBackgroundThread, r.RealizedOverheadPct)
	if err != nil {
		return fmt.Errorf("history: insert run for %s/%d: %w", r.Arch, r.Batch, err)
	}
	return nil
}
