package client

import (
	"context"
	"net"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ancdb/ancdb/internal/db"
	"github.com/ancdb/ancdb/internal/executor"
	"github.com/ancdb/ancdb/internal/protocol"
	"github.com/ancdb/ancdb/internal/server"
	"github.com/ancdb/ancdb/internal/storage"
)

func TestClientOverPipe(t *testing.T) {
	d, err := db.New(storage.NewMemoryStore(), zerolog.Nop())
	require.NoError(t, err)
	defer d.Close()
	ex := executor.New(d, zerolog.Nop())

	clientEnd, serverEnd := net.Pipe()
	done := make(chan error, 1)
	go func() {
		done <- server.NewSession(ex, serverEnd, serverEnd, server.Options{}, zerolog.Nop()).Run(context.Background())
		serverEnd.Close()
	}()

	c := New(clientEnd)
	_, err = c.Exec(&protocol.CreateTable{ID: c.NextID(), TableID: 1, TableName: "t"})
	require.NoError(t, err)
	_, err = c.Exec(&protocol.Put{ID: c.NextID(), TableID: 1, Key: 4, Value: []byte("four")})
	require.NoError(t, err)

	res, err := c.Exec(&protocol.DirectRead{ID: c.NextID(), TableID: 1, Key: 4})
	require.NoError(t, err)
	assert.Equal(t, &protocol.Value{Data: []byte("four")}, res)

	id := c.NextID()
	_, err = c.Exec(&protocol.CommitTransaction{ID: id})
	var se *ServerError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, id, se.ID)
	assert.Equal(t, "no active transaction", se.Message)

	require.NoError(t, c.Close())
	assert.NoError(t, <-done)
}
