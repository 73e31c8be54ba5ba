package actions

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/orchestro/console/pkg/api/client"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) CreateProject(ctx context.Context, input client.ProjectInput) (client.Project, error) {
	args := m.Called(ctx, input)
	return args.Get(0).(client.Project), args.Error(1)
}

func (m *mockAPI) UpdateProject(ctx context.Context, projectID int64, input client.ProjectInput) (client.Project, error) {
	args := m.Called(ctx, projectID, input)
	return args.Get(0).(client.Project), args.Error(1)
}

func (m *mockAPI) DeleteProject(ctx context.Context, projectID int64) error {
	return m.Called(ctx, projectID).Error(0)
}

func (m *mockAPI) Deploy(ctx context.Context, projectID int64) error {
	return m.Called(ctx, projectID).Error(0)
}

func (m *mockAPI) Pause(ctx context.Context, projectID int64) error {
	return m.Called(ctx, projectID).Error(0)
}

func (m *mockAPI) Resume(ctx context.Context, projectID int64) error {
	return m.Called(ctx, projectID).Error(0)
}

func (m *mockAPI) CreateEnvVar(ctx context.Context, projectID int64, input client.EnvVarInput) (client.EnvVar, error) {
	args := m.Called(ctx, projectID, input)
	return args.Get(0).(client.EnvVar), args.Error(1)
}

func (m *mockAPI) DeleteEnvVar(ctx context.Context, projectID, envID int64) error {
	return m.Called(ctx, projectID, envID).Error(0)
}

func (m *mockAPI) AddVolume(ctx context.Context, projectID int64, input client.VolumeInput) (client.Volume, error) {
	args := m.Called(ctx, projectID, input)
	return args.Get(0).(client.Volume), args.Error(1)
}

func (m *mockAPI) DeleteVolume(ctx context.Context, projectID, volumeID int64) error {
	return m.Called(ctx, projectID, volumeID).Error(0)
}

func (m *mockAPI) CreateBackup(ctx context.Context, projectID int64) (client.Backup, error) {
	args := m.Called(ctx, projectID)
	return args.Get(0).(client.Backup), args.Error(1)
}

type mockRefresher struct {
	mock.Mock
}

func (m *mockRefresher) Tracked(projectID int64) bool {
	return m.Called(projectID).Bool(0)
}

func (m *mockRefresher) Refresh(ctx context.Context, projectID int64) error {
	return m.Called(ctx, projectID).Error(0)
}

func (m *mockRefresher) RefreshOverview(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

func (m *mockRefresher) OverviewObserved() bool {
	return m.Called().Bool(0)
}

func (m *mockRefresher) Forget(projectID int64) {
	m.Called(projectID)
}

func TestDeployRefreshesTrackedProject(t *testing.T) {
	ctx := context.Background()
	api := &mockAPI{}
	store := &mockRefresher{}
	api.On("Deploy", ctx, int64(7)).Return(nil).Once()
	store.On("Tracked", int64(7)).Return(true)
	store.On("Refresh", ctx, int64(7)).Return(nil).Once()
	store.On("OverviewObserved").Return(false)

	require.NoError(t, New(api, store, nil, nil).Deploy(ctx, 7))

	api.AssertExpectations(t)
	store.AssertExpectations(t)
}

func TestActionOnUntrackedProjectSkipsRefresh(t *testing.T) {
	ctx := context.Background()
	api := &mockAPI{}
	store := &mockRefresher{}
	api.On("Resume", ctx, int64(3)).Return(nil)
	store.On("Tracked", int64(3)).Return(false)
	store.On("OverviewObserved").Return(false)

	require.NoError(t, New(api, store, nil, nil).Resume(ctx, 3))
	store.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestUpdateProjectRefreshesObservedOverview(t *testing.T) {
	ctx := context.Background()
	api := &mockAPI{}
	store := &mockRefresher{}
	input := client.ProjectInput{Name: "renamed", RepoURL: "https://github.com/acme/site"}
	api.On("UpdateProject", ctx, int64(7), input).Return(client.Project{ID: 7, Name: "renamed"}, nil)
	store.On("Tracked", int64(7)).Return(false)
	store.On("OverviewObserved").Return(true)
	store.On("RefreshOverview", ctx).Return(nil).Once()

	project, err := New(api, store, nil, nil).UpdateProject(ctx, 7, input)
	require.NoError(t, err)
	assert.Equal(t, "renamed", project.Name)
	store.AssertExpectations(t)
	store.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
}

func TestFailedActionSurfacesServerMessageWithoutRefresh(t *testing.T) {
	ctx := context.Background()
	api := &mockAPI{}
	store := &mockRefresher{}
	api.On("Pause", ctx, int64(2)).Return(client.APIError{Status: http.StatusBadRequest, Message: "No running container found to pause"})

	err := New(api, store, nil, nil).Pause(ctx, 2)
	require.Error(t, err)

	var actionErr *Error
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "pause", actionErr.Action)
	assert.Equal(t, "No running container found to pause", actionErr.Message())
	assert.Equal(t, http.StatusBadRequest, actionErr.StatusCode())
	assert.Equal(t, "pause project 2: No running container found to pause", err.Error())

	var apiErr client.APIError
	assert.ErrorAs(t, err, &apiErr)
	store.AssertNotCalled(t, "Tracked", mock.Anything)
	store.AssertNotCalled(t, "Refresh", mock.Anything, mock.Anything)
	store.AssertNotCalled(t, "RefreshOverview", mock.Anything)
}

func TestTransportFailureMapsToBadGateway(t *testing.T) {
	ctx := context.Background()
	api := &mockAPI{}
	api.On("Deploy", ctx, int64(1)).Return(errors.New("perform request: connection refused"))

	err := New(api, &mockRefresher{}, nil, nil).Deploy(ctx, 1)
	var actionErr *Error
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, http.StatusBadGateway, actionErr.StatusCode())
}

func TestRefreshFailureDoesNotFailAction(t *testing.T) {
	ctx := context.Background()
	api := &mockAPI{}
	store := &mockRefresher{}
	input := client.EnvVarInput{Key: "PORT", Value: "80"}
	api.On("CreateEnvVar", ctx, int64(4), input).Return(client.EnvVar{ID: 9, Key: "PORT"}, nil)
	store.On("Tracked", int64(4)).Return(true)
	store.On("Refresh", ctx, int64(4)).Return(errors.New("timeout"))
	store.On("OverviewObserved").Return(false)

	env, err := New(api, store, nil, nil).CreateEnvVar(ctx, 4, input)
	require.NoError(t, err)
	assert.Equal(t, int64(9), env.ID)
}

func TestDeleteProjectForgetsAndRefreshesOverview(t *testing.T) {
	ctx := context.Background()
	api := &mockAPI{}
	store := &mockRefresher{}
	api.On("DeleteProject", ctx, int64(5)).Return(nil)
	store.On("Forget", int64(5)).Once()
	store.On("RefreshOverview", ctx).Return(nil).Once()

	require.NoError(t, New(api, store, nil, nil).DeleteProject(ctx, 5))
	store.AssertExpectations(t)
}

func TestCreateProjectRefreshesOverview(t *testing.T) {
	ctx := context.Background()
	api := &mockAPI{}
	store := &mockRefresher{}
	input := client.ProjectInput{Name: "site", RepoURL: "https://github.com/acme/site"}
	api.On("CreateProject", ctx, input).Return(client.Project{ID: 12, Name: "site"}, nil)
	store.On("RefreshOverview", ctx).Return(nil).Once()

	project, err := New(api, store, nil, nil).CreateProject(ctx, input)
	require.NoError(t, err)
	assert.Equal(t, int64(12), project.ID)
	store.AssertExpectations(t)
}

func TestCreateProjectFailure(t *testing.T) {
	ctx := context.Background()
	api := &mockAPI{}
	store := &mockRefresher{}
	api.On("CreateProject", ctx, mock.Anything).Return(client.Project{}, client.APIError{Status: http.StatusConflict, Message: "name taken"})

	_, err := New(api, store, nil, nil).CreateProject(ctx, client.ProjectInput{Name: "site"})
	var actionErr *Error
	require.ErrorAs(t, err, &actionErr)
	assert.Equal(t, "create_project: name taken", err.Error())
	store.AssertNotCalled(t, "RefreshOverview", mock.Anything)
}
