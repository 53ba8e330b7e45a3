package encryption

import "golang.org/x/crypto/blake2b"

// Topic derives the sync-transport discovery topic from a database id
// (spec §4.6/§6: `topic = BLAKE2b-256(utf8(database_id))`).
func Topic(databaseID string) [32]byte {
	return blake2b.Sum256([]byte(databaseID))
}
