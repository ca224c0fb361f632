package audit

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureUploader struct {
	keys   []string
	bodies [][]byte
	err    error
}

func (u *captureUploader) Upload(_ context.Context, key string, body []byte) error {
	if u.err != nil {
		return u.err
	}
	u.keys = append(u.keys, key)
	u.bodies = append(u.bodies, body)
	return nil
}

func TestBuildBundleHashIsStableForSameEvents(t *testing.T) {
	ctx := context.Background()
	rec, _, _ := newTestRecorder()

	_, err := rec.Record(ctx, Input{
		EventType: EventTokenMinted,
		TenantID:  "t1",
		Metadata:  map[string]any{"b": "2", "a": "1"},
	})
	require.NoError(t, err)

	first, err := rec.BuildBundle(ctx)
	require.NoError(t, err)
	second, err := rec.BuildBundle(ctx)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(first.BundleHash, "sha256:"))
	assert.Equal(t, first.BundleHash, second.BundleHash)
	assert.NotEqual(t, first.BundleID, second.BundleID)
	assert.Equal(t, 1, first.EventCount)
}

func TestBuildBundleHashChangesWithEvents(t *testing.T) {
	ctx := context.Background()
	rec, _, _ := newTestRecorder()

	_, err := rec.Record(ctx, Input{EventType: EventTokenMinted})
	require.NoError(t, err)
	before, err := rec.BuildBundle(ctx)
	require.NoError(t, err)

	_, err = rec.Record(ctx, Input{EventType: EventTokenValidated})
	require.NoError(t, err)
	after, err := rec.BuildBundle(ctx)
	require.NoError(t, err)

	assert.NotEqual(t, before.BundleHash, after.BundleHash)
}

func TestBuildBundleRequiresEvents(t *testing.T) {
	ctx := context.Background()
	rec, _, _ := newTestRecorder()

	_, err := rec.BuildBundle(ctx)
	assert.Error(t, err)
}

func TestExportUploadsUnderAuditPrefix(t *testing.T) {
	ctx := context.Background()
	rec, _, _ := newTestRecorder()

	_, err := rec.Record(ctx, Input{EventType: EventTokenMinted})
	require.NoError(t, err)

	uploader := &captureUploader{}
	bundle, err := rec.Export(ctx, uploader)
	require.NoError(t, err)

	require.Len(t, uploader.keys, 1)
	assert.True(t, strings.HasPrefix(uploader.keys[0], "audit/"))
	assert.True(t, strings.HasSuffix(uploader.keys[0], bundle.BundleID+".json"))
	assert.NotEmpty(t, uploader.bodies[0])
}
