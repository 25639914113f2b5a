package store

// schema 실행 기록 테이블 (idempotent)
var schema = []string{
	`CREATE SCHEMA IF NOT EXISTS backtester`,
	`CREATE TABLE IF NOT EXISTS backtester.backtest (
		id              UUID PRIMARY KEY,
		status          TEXT NOT NULL DEFAULT 'started'
		                CHECK (status IN ('started', 'running', 'completed', 'failed', 'cancelled')),
		state           TEXT,
		owner           TEXT NOT NULL,
		spec_hash       TEXT NOT NULL,
		spec            JSONB NOT NULL,
		analysis_result JSONB,
		reason          TEXT,
		time_created    TIMESTAMPTZ NOT NULL DEFAULT now(),
		time_updated    TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS backtest_status_updated_idx
		ON backtester.backtest (status, time_updated)`,
	`CREATE TABLE IF NOT EXISTS backtester.backtest_windows (
		backtest_id   UUID NOT NULL REFERENCES backtester.backtest (id) ON DELETE CASCADE,
		window_index  INT NOT NULL,
		test_date     DATE NOT NULL,
		train_rows    INT NOT NULL,
		status        TEXT NOT NULL,
		predicted     DOUBLE PRECISION,
		actual        DOUBLE PRECISION,
		error         DOUBLE PRECISION,
		abs_error     DOUBLE PRECISION,
		direction_hit BOOLEAN,
		reason        TEXT,
		model_digest  TEXT,
		PRIMARY KEY (backtest_id, window_index)
	)`,
}
