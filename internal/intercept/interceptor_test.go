package intercept

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"dman/internal/download"
)

type mockBrowser struct {
	mock.Mock
}

func (b *mockBrowser) Pause(ctx context.Context, native int64) error {
	return b.Called(native).Error(0)
}

func (b *mockBrowser) Resume(ctx context.Context, native int64) error {
	return b.Called(native).Error(0)
}

func (b *mockBrowser) Search(ctx context.Context, native int64) (Item, error) {
	args := b.Called(native)
	return args.Get(0).(Item), args.Error(1)
}

func (b *mockBrowser) FileIcon(ctx context.Context, native int64) ([]byte, error) {
	args := b.Called(native)
	data, _ := args.Get(0).([]byte)
	return data, args.Error(1)
}

type mockSessions struct {
	mock.Mock
}

func (s *mockSessions) Adopt(native int64, url string) (int64, bool, error) {
	args := s.Called(native, url)
	return args.Get(0).(int64), args.Bool(1), args.Error(2)
}

func (s *mockSessions) Begin(req download.BeginRequest) (int64, error) {
	args := s.Called(req)
	return args.Get(0).(int64), args.Error(1)
}

func TestHandle_NewSession(t *testing.T) {
	b := &mockBrowser{}
	s := &mockSessions{}
	icon := []byte("icon")

	b.On("Pause", int64(7)).Return(nil).Once()
	b.On("Search", int64(7)).Return(Item{ID: 7, URL: "http://a/redirect", FinalURL: "http://cdn/report.pdf"}, nil)
	s.On("Adopt", int64(7), "http://cdn/report.pdf").Return(int64(0), false, nil)
	b.On("FileIcon", int64(7)).Return(icon, nil)
	s.On("Begin", download.BeginRequest{Native: 7, URL: "http://cdn/report.pdf", Path: "/dl/report.pdf", Icon: icon}).Return(int64(123), nil)

	id, err := New(b, s, nil).Handle(context.Background(), Change{Native: 7, Filename: "/dl/report.pdf"})
	require.NoError(t, err)
	require.Equal(t, int64(123), id)

	b.AssertExpectations(t)
	s.AssertExpectations(t)
	b.AssertNotCalled(t, "Resume", mock.Anything)
}

func TestHandle_AdoptsWaitingSession(t *testing.T) {
	b := &mockBrowser{}
	s := &mockSessions{}

	b.On("Pause", int64(8)).Return(nil)
	b.On("Search", int64(8)).Return(Item{ID: 8, URL: "http://new/file.bin"}, nil)
	s.On("Adopt", int64(8), "http://new/file.bin").Return(int64(55), true, nil)

	id, err := New(b, s, nil).Handle(context.Background(), Change{Native: 8, Filename: "/dl/file.bin"})
	require.NoError(t, err)
	require.Equal(t, int64(55), id)

	b.AssertNotCalled(t, "FileIcon", mock.Anything)
	s.AssertNotCalled(t, "Begin", mock.Anything)
}

func TestHandle_ResumesOnFailure(t *testing.T) {
	tests := []struct {
		name  string
		setup func(b *mockBrowser, s *mockSessions)
	}{
		{
			name: "icon fetch fails",
			setup: func(b *mockBrowser, s *mockSessions) {
				b.On("Search", int64(9)).Return(Item{URL: "http://x/a"}, nil)
				s.On("Adopt", int64(9), "http://x/a").Return(int64(0), false, nil)
				b.On("FileIcon", int64(9)).Return(nil, errors.New("no icon"))
			},
		},
		{
			name: "engine down",
			setup: func(b *mockBrowser, s *mockSessions) {
				b.On("Search", int64(9)).Return(Item{URL: "http://x/a"}, nil)
				s.On("Adopt", int64(9), "http://x/a").Return(int64(0), false, nil)
				b.On("FileIcon", int64(9)).Return([]byte("i"), nil)
				s.On("Begin", mock.Anything).Return(int64(0), download.ErrNoEngine)
			},
		},
		{
			name: "adopt fails",
			setup: func(b *mockBrowser, s *mockSessions) {
				b.On("Search", int64(9)).Return(Item{URL: "http://x/a"}, nil)
				s.On("Adopt", int64(9), "http://x/a").Return(int64(3), false, download.ErrNoEngine)
			},
		},
		{
			name: "search fails",
			setup: func(b *mockBrowser, s *mockSessions) {
				b.On("Search", int64(9)).Return(Item{}, errors.New("gone"))
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &mockBrowser{}
			s := &mockSessions{}
			b.On("Pause", int64(9)).Return(nil)
			b.On("Resume", int64(9)).Return(nil).Once()
			tt.setup(b, s)

			_, err := New(b, s, nil).Handle(context.Background(), Change{Native: 9, Filename: "/dl/a"})
			require.Error(t, err)
			b.AssertCalled(t, "Resume", int64(9))
		})
	}
}

func TestHandle_IgnoresChangeWithoutPath(t *testing.T) {
	b := &mockBrowser{}
	s := &mockSessions{}
	_, err := New(b, s, nil).Handle(context.Background(), Change{Native: 1})
	require.ErrorIs(t, err, ErrNoPath)
	b.AssertNotCalled(t, "Pause", mock.Anything)
}

func TestHandle_PauseFailureLeavesDownloadAlone(t *testing.T) {
	b := &mockBrowser{}
	s := &mockSessions{}
	b.On("Pause", int64(4)).Return(errors.New("not running"))

	_, err := New(b, s, nil).Handle(context.Background(), Change{Native: 4, Filename: "/dl/x"})
	require.Error(t, err)
	b.AssertNotCalled(t, "Resume", mock.Anything)
}
