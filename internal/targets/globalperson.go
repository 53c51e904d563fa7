package targets

import (
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/casegraph/workspace/internal/store"
)

// createGlobalPersonTx inserts a new cross-case GlobalPerson and
// returns its id.
func createGlobalPersonTx(tx *sql.Tx, now time.Time, displayName string) (string, error) {
	id := uuid.NewString()
	_, err := tx.Exec(
		`INSERT INTO GlobalPersons (GlobalPersonId, DisplayName, CreatedAtUtc, UpdatedAtUtc, Notes) VALUES (?, ?, ?, ?, ?)`,
		id, displayName, store.FormatTime(now), store.FormatTime(now), nil,
	)
	return id, err
}

// findPersonIdentifierTx looks up an existing PersonIdentifier for
// (type, valueNormalized), the uniqueness scope that spans all cases.
func findPersonIdentifierTx(tx *sql.Tx, idType store.IdentifierType, valueNormalized string) (personIdentifierID, globalPersonID, displayName string, found bool, err error) {
	row := tx.QueryRow(
		`SELECT pi.PersonIdentifierId, pi.GlobalPersonId, gp.DisplayName
		 FROM PersonIdentifiers pi JOIN GlobalPersons gp ON gp.GlobalPersonId = pi.GlobalPersonId
		 WHERE pi.Type = ? AND pi.ValueNormalized = ?`,
		string(idType), valueNormalized,
	)
	scanErr := row.Scan(&personIdentifierID, &globalPersonID, &displayName)
	if scanErr == sql.ErrNoRows {
		return "", "", "", false, nil
	}
	if scanErr != nil {
		return "", "", "", false, scanErr
	}
	return personIdentifierID, globalPersonID, displayName, true, nil
}

func insertPersonIdentifierTx(tx *sql.Tx, globalPersonID string, idType store.IdentifierType, valueRaw, valueNormalized string, isPrimary bool) error {
	_, err := tx.Exec(
		`INSERT INTO PersonIdentifiers (PersonIdentifierId, GlobalPersonId, Type, ValueRaw, ValueNormalized, IsPrimary) VALUES (?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), globalPersonID, string(idType), valueRaw, valueNormalized, boolToInt(isPrimary),
	)
	return err
}

func movePersonIdentifierTx(tx *sql.Tx, personIdentifierID, requestedGlobalPersonID string) error {
	_, err := tx.Exec(`UPDATE PersonIdentifiers SET GlobalPersonId = ? WHERE PersonIdentifierId = ?`, requestedGlobalPersonID, personIdentifierID)
	return err
}

// clearOtherPrimaryPersonIdentifiersTx implements the IsPrimary
// semantics from spec §4.6: setting primary on a PersonIdentifier
// clears isPrimary on every other identifier for that global person.
func clearOtherPrimaryPersonIdentifiersTx(tx *sql.Tx, globalPersonID, keepPersonIdentifierID string) error {
	_, err := tx.Exec(
		`UPDATE PersonIdentifiers SET IsPrimary = 0 WHERE GlobalPersonId = ? AND PersonIdentifierId != ?`,
		globalPersonID, keepPersonIdentifierID,
	)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
