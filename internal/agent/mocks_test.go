package agent

import (
	"context"

	"github.com/stretchr/testify/mock"

	"github.com/arvyn-ai/arvyn/api/schemas"
)

// -- Decider Mock --

// MockDecider mocks the schemas.Decider interface.
type MockDecider struct {
	mock.Mock
}

func (m *MockDecider) Decide(ctx context.Context, in schemas.DecisionInput) (schemas.Proposal, error) {
	args := m.Called(ctx, in)
	return args.Get(0).(schemas.Proposal), args.Error(1)
}

// -- Driver Mock --

// MockDriver mocks the schemas.Driver interface.
type MockDriver struct {
	mock.Mock
}

func (m *MockDriver) Navigate(ctx context.Context, url string) error {
	args := m.Called(ctx, url)
	return args.Error(0)
}

func (m *MockDriver) Click(ctx context.Context, x, y float64, hint string) (bool, error) {
	args := m.Called(ctx, x, y, hint)
	return args.Bool(0), args.Error(1)
}

func (m *MockDriver) Type(ctx context.Context, text string) error {
	args := m.Called(ctx, text)
	return args.Error(0)
}

func (m *MockDriver) FindAndClickByText(ctx context.Context, label string) (bool, error) {
	args := m.Called(ctx, label)
	return args.Bool(0), args.Error(1)
}

func (m *MockDriver) DirectClickByText(ctx context.Context, label string) (bool, error) {
	args := m.Called(ctx, label)
	return args.Bool(0), args.Error(1)
}

func (m *MockDriver) ScreenshotBase64(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) PageText(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

func (m *MockDriver) CurrentURL(ctx context.Context) (string, error) {
	args := m.Called(ctx)
	return args.String(0), args.Error(1)
}

// -- Profile Store Mock --

// MockProfileStore mocks the schemas.ProfileStore interface.
type MockProfileStore struct {
	mock.Mock
}

func (m *MockProfileStore) CredentialsFor(ctx context.Context, provider string) (map[string]string, error) {
	args := m.Called(ctx, provider)
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *MockProfileStore) PreferencesFor(ctx context.Context, provider string) (map[string]string, error) {
	args := m.Called(ctx, provider)
	return args.Get(0).(map[string]string), args.Error(1)
}

func (m *MockProfileStore) MissingFields(ctx context.Context, provider string, required []string) ([]string, error) {
	args := m.Called(ctx, provider, required)
	return args.Get(0).([]string), args.Error(1)
}

func (m *MockProfileStore) UpdateField(ctx context.Context, provider, key, value string) error {
	args := m.Called(ctx, provider, key, value)
	return args.Error(0)
}

// emptyProfile returns a store mock that has nothing saved.
func emptyProfile() *MockProfileStore {
	store := new(MockProfileStore)
	store.On("CredentialsFor", mock.Anything, mock.Anything).Return(map[string]string{}, nil).Maybe()
	store.On("PreferencesFor", mock.Anything, mock.Anything).Return(map[string]string{}, nil).Maybe()
	return store
}
