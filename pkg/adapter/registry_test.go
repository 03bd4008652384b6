package adapter

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trellisdata/trellis/pkg/structure"
)

type stubAdapter struct {
	family structure.Family
}

func (s *stubAdapter) StructureFamily() structure.Family { return s.family }
func (s *stubAdapter) Structure() structure.Structure    { return structure.Structure{} }
func (s *stubAdapter) Metadata() map[string]any          { return nil }

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	r.Register("application/x-test", func(ctx context.Context, node NodeInfo) (Adapter, error) {
		return &stubAdapter{family: structure.FamilyArray}, nil
	})

	t.Run("registered", func(t *testing.T) {
		factory, err := r.Lookup("application/x-test")
		require.NoError(t, err)
		require.NotNil(t, factory)

		a, err := factory(context.Background(), NodeInfo{})
		require.NoError(t, err)
		assert.Equal(t, structure.FamilyArray, a.StructureFamily())
	})

	t.Run("unknown mimetype", func(t *testing.T) {
		_, err := r.Lookup("application/x-missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrAdapterNotFound))

		var nf *NotFoundError
		require.True(t, errors.As(err, &nf))
		assert.Equal(t, "application/x-missing", nf.ResourceName)
	})

	t.Run("mimetypes are case-sensitive", func(t *testing.T) {
		_, err := r.Lookup("Application/X-Test")
		assert.True(t, errors.Is(err, ErrAdapterNotFound))
	})
}

func TestRegistryNew(t *testing.T) {
	r := NewRegistry()
	r.Register("application/x-test", func(ctx context.Context, node NodeInfo) (Adapter, error) {
		return &stubAdapter{family: node.StructureFamily}, nil
	})

	node := NodeInfo{
		StructureFamily: structure.FamilyTable,
		DataSource:      DataSource{Mimetype: "application/x-test"},
	}

	a, err := r.New(context.Background(), node)
	require.NoError(t, err)
	assert.Equal(t, structure.FamilyTable, a.StructureFamily())

	node.DataSource.Mimetype = "application/x-unknown"
	_, err = r.New(context.Background(), node)
	assert.True(t, errors.Is(err, ErrAdapterNotFound))
}

func TestRegistryListRegistered(t *testing.T) {
	r := NewRegistry()
	factory := func(ctx context.Context, node NodeInfo) (Adapter, error) { return nil, nil }

	r.Register("text/csv", factory)
	r.Register("application/x-trellis-array", factory)

	assert.Equal(t, []string{"application/x-trellis-array", "text/csv"}, r.ListRegistered())
	assert.True(t, r.IsRegistered("text/csv"))

	r.Unregister("text/csv")
	assert.False(t, r.IsRegistered("text/csv"))
}

func TestManagement(t *testing.T) {
	assert.True(t, ManagementInternal.OwnsBytes())
	assert.True(t, ManagementWritable.OwnsBytes())
	assert.True(t, ManagementLocked.OwnsBytes())
	assert.False(t, ManagementExternal.OwnsBytes())

	assert.True(t, ManagementWritable.Valid())
	assert.False(t, Management("remote").Valid())
}

func TestUnsupportedError(t *testing.T) {
	err := NewUnsupportedError("text/csv", "write", "read-only format")
	assert.True(t, IsUnsupported(err))
	assert.Contains(t, err.Error(), "read-only format")
}
