package postgres

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestWriteFile_HashMatchesContent covers spec §3's file-entry invariant
// ("hash == SHA-256(content)") and §8 property 1's content half.
func TestWriteFile_HashMatchesContent(t *testing.T) {
	pg, mock := newTestPostgres(t, nil)

	mock.ExpectExec(`INSERT INTO "bifrost_file_index"`).
		WillReturnResult(sqlmock.NewResult(1, 1))

	content := []byte("hello world")
	entry, err := pg.WriteFile(context.Background(), "workflows/hello.py", content)
	require.NoError(t, err)

	want := sha256.Sum256(content)
	assert.Equal(t, hex.EncodeToString(want[:]), entry.Hash)
	assert.Equal(t, content, entry.Content)
	assert.NoError(t, mock.ExpectationsWereMet())
}
