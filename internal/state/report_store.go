/*

This file persists run reports. Each manager run produces one structured
report; the nested pieces (pre-state, drift, plan, steps) are stored as
JSONB so the web layer can serve them back without re-deriving anything.

*/

package state

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/rangekeeper/apm/internal/types"
)

// SaveRunReport persists one run report and returns its database id.
func SaveRunReport(report types.RunReport) (int64, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	poolJSON, err := json.Marshal(report.PoolStateBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal pool state: %w", err)
	}
	positionJSON, err := json.Marshal(report.PositionBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal position: %w", err)
	}
	walletJSON, err := json.Marshal(report.WalletBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal wallet: %w", err)
	}
	driftJSON, err := json.Marshal(report.Drift)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal drift report: %w", err)
	}
	var planJSON []byte
	if report.Plan != nil {
		planJSON, err = json.Marshal(report.Plan)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal plan: %w", err)
		}
	}
	var stepsJSON []byte
	if len(report.Steps) > 0 {
		stepsJSON, err = json.Marshal(report.Steps)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal steps: %w", err)
		}
	}

	insertSQL := `
		INSERT INTO run_reports (
			run_id, run_number, started_at, finished_at,
			pool_state_before, position_before, wallet_before,
			drift, path, encoding, plan, dry_run,
			steps, new_position_id, degraded, failure, error_message
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		RETURNING report_id;`

	var reportID int64
	err = DB.QueryRow(insertSQL,
		report.RunID, report.RunNumber, report.StartedAt, report.FinishedAt,
		poolJSON, positionJSON, walletJSON,
		driftJSON, string(report.Path), string(report.Encoding), nullableJSON(planJSON), report.DryRun,
		nullableJSON(stepsJSON), report.NewPositionID, report.Degraded,
		string(report.Failure), report.ErrorMessage,
	).Scan(&reportID)
	if err != nil {
		return 0, fmt.Errorf("failed to insert run report: %w", err)
	}

	log.Info().
		Int64("reportID", reportID).
		Int("runNumber", report.RunNumber).
		Str("path", string(report.Path)).
		Msg("Saved run report")
	return reportID, nil
}

// GetRecentReports returns the most recent run reports, newest first.
func GetRecentReports(limit int) ([]types.RunReport, error) {
	if DB == nil {
		return nil, fmt.Errorf("database not initialized")
	}
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT run_id, run_number, started_at, finished_at,
		       pool_state_before, position_before, wallet_before,
		       drift, path, encoding, plan, dry_run,
		       steps, new_position_id, degraded, failure, error_message
		FROM run_reports
		ORDER BY started_at DESC
		LIMIT $1;`

	rows, err := DB.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query run reports: %w", err)
	}
	defer rows.Close()

	var reports []types.RunReport
	for rows.Next() {
		report, err := scanReport(rows)
		if err != nil {
			return nil, err
		}
		reports = append(reports, report)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed iterating run reports: %w", err)
	}
	return reports, nil
}

// GetLatestReport returns the most recent run report, or sql.ErrNoRows when
// nothing has been recorded yet.
func GetLatestReport() (types.RunReport, error) {
	reports, err := GetRecentReports(1)
	if err != nil {
		return types.RunReport{}, err
	}
	if len(reports) == 0 {
		return types.RunReport{}, sql.ErrNoRows
	}
	return reports[0], nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReport(row rowScanner) (types.RunReport, error) {
	var report types.RunReport
	var poolJSON, positionJSON, walletJSON, driftJSON []byte
	var planJSON, stepsJSON []byte
	var path, encoding, failure string

	err := row.Scan(
		&report.RunID, &report.RunNumber, &report.StartedAt, &report.FinishedAt,
		&poolJSON, &positionJSON, &walletJSON,
		&driftJSON, &path, &encoding, &planJSON, &report.DryRun,
		&stepsJSON, &report.NewPositionID, &report.Degraded, &failure, &report.ErrorMessage,
	)
	if err != nil {
		return types.RunReport{}, fmt.Errorf("failed to scan run report: %w", err)
	}

	report.Path = types.RunPath(path)
	report.Encoding = types.PlanEncoding(encoding)
	report.Failure = types.FailureClass(failure)

	if err := json.Unmarshal(poolJSON, &report.PoolStateBefore); err != nil {
		return types.RunReport{}, fmt.Errorf("failed to unmarshal pool state: %w", err)
	}
	if err := json.Unmarshal(positionJSON, &report.PositionBefore); err != nil {
		return types.RunReport{}, fmt.Errorf("failed to unmarshal position: %w", err)
	}
	if err := json.Unmarshal(walletJSON, &report.WalletBefore); err != nil {
		return types.RunReport{}, fmt.Errorf("failed to unmarshal wallet: %w", err)
	}
	if err := json.Unmarshal(driftJSON, &report.Drift); err != nil {
		return types.RunReport{}, fmt.Errorf("failed to unmarshal drift report: %w", err)
	}
	if len(planJSON) > 0 {
		report.Plan = &types.RebalancePlan{}
		if err := json.Unmarshal(planJSON, report.Plan); err != nil {
			return types.RunReport{}, fmt.Errorf("failed to unmarshal plan: %w", err)
		}
	}
	if len(stepsJSON) > 0 {
		if err := json.Unmarshal(stepsJSON, &report.Steps); err != nil {
			return types.RunReport{}, fmt.Errorf("failed to unmarshal steps: %w", err)
		}
	}
	return report, nil
}

// nullableJSON maps empty marshal output to SQL NULL instead of an invalid
// empty JSONB value.
func nullableJSON(data []byte) interface{} {
	if len(data) == 0 {
		return nil
	}
	return data
}

// ReportStore adapts the package-level persistence functions to the report
// sink the engine consumes.
type ReportStore struct{}

// NextRunNumber advances and returns the persistent run counter.
func (ReportStore) NextRunNumber() (int, error) {
	return IncrementRunNumber()
}

// Save persists one run report.
func (ReportStore) Save(report types.RunReport) (int64, error) {
	return SaveRunReport(report)
}
