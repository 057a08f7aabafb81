/*

This file manages the persistent global run counter. The counter lives in
the database so run numbering survives restarts.

*/

package state

import (
	"database/sql"
	"fmt"

	"github.com/rs/zerolog/log"
)

// GetCurrentRunNumber retrieves the current run number from the database.
func GetCurrentRunNumber() (int, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	query := `SELECT current_run FROM run_counter WHERE id = 1;`

	var currentRun int
	row := DB.QueryRow(query)
	err := row.Scan(&currentRun)

	if err != nil {
		if err == sql.ErrNoRows {
			// Should not happen: EnsureSchema seeds the row.
			log.Warn().Msg("No run counter row found, initializing to 0")
			return 0, nil
		}
		return 0, fmt.Errorf("failed to get current run number: %w", err)
	}

	return currentRun, nil
}

// IncrementRunNumber increments the run counter and returns the new value.
func IncrementRunNumber() (int, error) {
	if DB == nil {
		return 0, fmt.Errorf("database not initialized")
	}

	updateQuery := `
		UPDATE run_counter
		SET current_run = current_run + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = 1
		RETURNING current_run;`

	var newRun int
	row := DB.QueryRow(updateQuery)
	err := row.Scan(&newRun)

	if err != nil {
		return 0, fmt.Errorf("failed to increment run number: %w", err)
	}

	log.Debug().Int("newRun", newRun).Msg("Incremented run counter")
	return newRun, nil
}

// ResetRunNumber resets the run counter to a specific value (for testing/maintenance).
func ResetRunNumber(runNumber int) error {
	if DB == nil {
		return fmt.Errorf("database not initialized")
	}

	if runNumber < 0 {
		return fmt.Errorf("run number cannot be negative: %d", runNumber)
	}

	updateQuery := `
		UPDATE run_counter
		SET current_run = $1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = 1;`

	result, err := DB.Exec(updateQuery, runNumber)
	if err != nil {
		return fmt.Errorf("failed to reset run number to %d: %w", runNumber, err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}

	if rowsAffected == 0 {
		return fmt.Errorf("no rows updated when resetting run number")
	}

	log.Warn().Int("runNumber", runNumber).Msg("Reset run counter")
	return nil
}
