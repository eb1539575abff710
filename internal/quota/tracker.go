package quota

import (
	"database/sql"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Tracker records billable requests and serves operational statistics for
// the admin dashboard. This is proxy traffic telemetry, separate from the
// credit ledger itself, which keeps running counters only.
type Tracker struct {
	db *sql.DB
}

// NewTracker opens (or creates) the request log database
func NewTracker(dbPath string) (*Tracker, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, err
	}

	t := &Tracker{db: db}
	if err := t.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tracker) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS request_logs (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		model TEXT,
		credits INTEGER DEFAULT 0,
		tokens_in INTEGER DEFAULT 0,
		tokens_out INTEGER DEFAULT 0,
		latency_ms INTEGER DEFAULT 0,
		status_code INTEGER DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_request_logs_account ON request_logs(account_id);
	CREATE INDEX IF NOT EXISTS idx_request_logs_created ON request_logs(created_at);
	`
	_, err := t.db.Exec(query)
	return err
}

// LogRequest records one billable request
func (t *Tracker) LogRequest(accountID, kind, model string, credits, tokensIn, tokensOut int64, latencyMs, statusCode int) error {
	_, err := t.db.Exec(`
		INSERT INTO request_logs (account_id, kind, model, credits, tokens_in, tokens_out, latency_ms, status_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, accountID, kind, model, credits, tokensIn, tokensOut, latencyMs, statusCode)
	return err
}

// Stats represents overall usage statistics
type Stats struct {
	TotalRequests     int64   `json:"total_requests"`
	TotalCredits      int64   `json:"total_credits"`
	TotalTokensIn     int64   `json:"total_tokens_in"`
	TotalTokensOut    int64   `json:"total_tokens_out"`
	AvgLatencyMs      float64 `json:"avg_latency_ms"`
	SuccessRate       float64 `json:"success_rate"`
	RequestsToday     int64   `json:"requests_today"`
	RequestsThisMonth int64   `json:"requests_this_month"`
}

// GetStats returns overall usage statistics
func (t *Tracker) GetStats() (*Stats, error) {
	var stats Stats

	err := t.db.QueryRow(`
		SELECT COUNT(*), COALESCE(SUM(credits), 0), COALESCE(SUM(tokens_in), 0),
		       COALESCE(SUM(tokens_out), 0), COALESCE(AVG(latency_ms), 0)
		FROM request_logs
	`).Scan(&stats.TotalRequests, &stats.TotalCredits, &stats.TotalTokensIn, &stats.TotalTokensOut, &stats.AvgLatencyMs)
	if err != nil {
		return nil, err
	}

	var successCount int64
	_ = t.db.QueryRow(`
		SELECT COUNT(*) FROM request_logs WHERE status_code = 200
	`).Scan(&successCount)
	if stats.TotalRequests > 0 {
		stats.SuccessRate = float64(successCount) / float64(stats.TotalRequests) * 100
	}

	today := time.Now().Truncate(24 * time.Hour)
	_ = t.db.QueryRow(`
		SELECT COUNT(*) FROM request_logs WHERE created_at >= ?
	`, today).Scan(&stats.RequestsToday)

	monthAgo := time.Now().AddDate(0, -1, 0)
	_ = t.db.QueryRow(`
		SELECT COUNT(*) FROM request_logs WHERE created_at >= ?
	`, monthAgo).Scan(&stats.RequestsThisMonth)

	return &stats, nil
}

// ModelStats represents per-model statistics
type ModelStats struct {
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	Credits      int64   `json:"credits"`
	TokensIn     int64   `json:"tokens_in"`
	TokensOut    int64   `json:"tokens_out"`
	AvgLatencyMs float64 `json:"avg_latency_ms"`
}

// GetModelStats returns per-model statistics
func (t *Tracker) GetModelStats() ([]ModelStats, error) {
	rows, err := t.db.Query(`
		SELECT model, COUNT(*), COALESCE(SUM(credits), 0), COALESCE(SUM(tokens_in), 0),
		       COALESCE(SUM(tokens_out), 0), COALESCE(AVG(latency_ms), 0)
		FROM request_logs
		GROUP BY model
		ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []ModelStats
	for rows.Next() {
		var s ModelStats
		if err := rows.Scan(&s.Model, &s.Requests, &s.Credits, &s.TokensIn, &s.TokensOut, &s.AvgLatencyMs); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// AccountStats represents per-account statistics
type AccountStats struct {
	AccountID   string  `json:"account_id"`
	Requests    int64   `json:"requests"`
	Credits     int64   `json:"credits"`
	SuccessRate float64 `json:"success_rate"`
}

// GetAccountStats returns per-account statistics
func (t *Tracker) GetAccountStats() ([]AccountStats, error) {
	rows, err := t.db.Query(`
		SELECT account_id, COUNT(*), COALESCE(SUM(credits), 0),
		       CAST(SUM(CASE WHEN status_code = 200 THEN 1 ELSE 0 END) AS FLOAT) / COUNT(*) * 100
		FROM request_logs
		GROUP BY account_id
		ORDER BY COUNT(*) DESC
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stats []AccountStats
	for rows.Next() {
		var s AccountStats
		if err := rows.Scan(&s.AccountID, &s.Requests, &s.Credits, &s.SuccessRate); err != nil {
			return nil, err
		}
		stats = append(stats, s)
	}
	return stats, rows.Err()
}

// Close closes the database connection
func (t *Tracker) Close() error {
	return t.db.Close()
}
