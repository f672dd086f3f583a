package core_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/OADA/jobs/internal/core"
	"github.com/OADA/jobs/internal/domain/model"
	"github.com/OADA/jobs/internal/mocks"

	apperrors "github.com/OADA/jobs/internal/errors"
)

// Ensuring a fully materialized path probes each container and writes
// nothing.
func TestEnsureTree_ProbesWithoutWriting(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	store := mocks.NewMockStore(ctrl)

	gomock.InOrder(
		store.EXPECT().Head(gomock.Any(), "/bookmarks/services").Return(nil),
		store.EXPECT().Head(gomock.Any(), "/bookmarks/services/my-service").Return(nil),
		store.EXPECT().Head(gomock.Any(), "/bookmarks/services/my-service/jobs").Return(nil),
		store.EXPECT().Head(gomock.Any(), "/bookmarks/services/my-service/jobs/pending").Return(nil),
	)

	err := core.EnsureTree(ctx, store, core.JobsTree(), model.PendingPath("my-service"))
	require.NoError(t, err)
}

// A missing container is created under /resources with its template media
// type and linked into its nearest existing ancestor.
func TestEnsureTree_LinksCreatedContainer(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	store := mocks.NewMockStore(ctrl)
	servicePath := model.ServicePath("my-service")

	gomock.InOrder(
		store.EXPECT().Head(gomock.Any(), "/bookmarks/services").Return(nil),
		store.EXPECT().Head(gomock.Any(), servicePath).Return(apperrors.NotFound(servicePath)),
		store.EXPECT().Post(gomock.Any(), core.PostRequest{
			Path:        "/resources",
			ContentType: core.ContentTypeService,
			Body:        map[string]any{},
		}).Return("resources/svc1", nil),
		store.EXPECT().Put(gomock.Any(), core.PutRequest{
			Path:        "/bookmarks/services",
			ContentType: core.ContentTypeServices,
			Body:        map[string]any{"my-service": model.Link{ID: "resources/svc1"}},
		}).Return(nil),
	)

	err := core.EnsureTree(ctx, store, core.JobsTree(), servicePath)
	require.NoError(t, err)
}

// Plain-key levels like day-index never get their own document; the link
// for the level below lands nested inside the anchor's body.
func TestEnsureTree_NestsLinkAcrossPlainKeys(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	store := mocks.NewMockStore(ctrl)
	index := model.IndexPath("my-service", model.JobStatusSuccess)
	dayPath := model.DayPath("my-service", model.JobStatusSuccess, "2024-06-01")

	gomock.InOrder(
		store.EXPECT().Head(gomock.Any(), "/bookmarks/services").Return(nil),
		store.EXPECT().Head(gomock.Any(), model.ServicePath("my-service")).Return(nil),
		store.EXPECT().Head(gomock.Any(), model.JobsPath("my-service")).Return(nil),
		store.EXPECT().Head(gomock.Any(), index).Return(nil),
		store.EXPECT().Head(gomock.Any(), dayPath).Return(apperrors.NotFound(dayPath)),
		store.EXPECT().Post(gomock.Any(), core.PostRequest{
			Path:        "/resources",
			ContentType: core.ContentTypeJobs,
			Body:        map[string]any{},
		}).Return("resources/day1", nil),
		store.EXPECT().Put(gomock.Any(), core.PutRequest{
			Path:        index,
			ContentType: core.ContentTypeJobs,
			Body: map[string]any{
				model.DayIndexSegment: map[string]any{
					"2024-06-01": model.Link{ID: "resources/day1"},
				},
			},
		}).Return(nil),
	)

	err := core.EnsureTree(ctx, store, core.JobsTree(), dayPath)
	require.NoError(t, err)
}

// A probe failing with anything but not-found stops the walk before any
// write.
func TestEnsureTree_AbortsOnProbeError(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	ctx := context.Background()
	store := mocks.NewMockStore(ctrl)

	store.EXPECT().
		Head(gomock.Any(), "/bookmarks/services").
		Return(apperrors.Transientf(assert.AnError, "store down"))

	err := core.EnsureTree(ctx, store, core.JobsTree(), model.PendingPath("my-service"))
	require.ErrorContains(t, err, "head /bookmarks/services")
}
