package account

import (
	"database/sql"
	"encoding/json"
	"os"

	_ "modernc.org/sqlite" // SQLite driver, CGO-free

	"github.com/opencode-codex/codex-proxy-go/internal/config"
	"github.com/opencode-codex/codex-proxy-go/internal/storage"
	"github.com/opencode-codex/codex-proxy-go/internal/utils"
)

// recoveredAuth is the auth record shape stored in the opencode state
// database.
type recoveredAuth struct {
	RefreshToken string `json:"refreshToken"`
	AccountID    string `json:"accountId"`
	Email        string `json:"email"`
}

// RecoverAccounts scans the known opencode state databases for stored OpenAI
// credentials and returns them as pool candidates. Used when the pool file is
// missing but the editor is already logged in.
func RecoverAccounts(clkNowMs int64) []*storage.Account {
	log := utils.NewLogger("Recovery")

	var recovered []*storage.Account
	seen := make(map[string]bool)
	for _, dbPath := range config.RecoveryStoragePaths() {
		accounts, err := readStateDB(dbPath)
		if err != nil {
			log.Debug("no recoverable credentials at %s: %v", dbPath, err)
			continue
		}
		for _, rec := range accounts {
			if rec.RefreshToken == "" {
				continue
			}
			acc := &storage.Account{
				AccountID:       rec.AccountID,
				Email:           rec.Email,
				RefreshToken:    rec.RefreshToken,
				AccountIDSource: "recovery",
				AddedAt:         clkNowMs,
			}
			if seen[acc.Key()] {
				continue
			}
			seen[acc.Key()] = true
			recovered = append(recovered, acc)
			log.Info("recovered account %s from %s", acc.DisplayName(), dbPath)
		}
	}
	return recovered
}

// readStateDB opens one state database read-only and extracts stored OpenAI
// auth records.
func readStateDB(dbPath string) ([]recoveredAuth, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.Query("SELECT value FROM kv WHERE key LIKE 'auth.openai%'")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []recoveredAuth
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			continue
		}
		var rec recoveredAuth
		if err := json.Unmarshal([]byte(value), &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
