package user

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/hitoshi/todosync/internal/model"
)

// steps は呼び出された操作を順に記録する。
type steps []string

func (s *steps) add(name string) { *s = append(*s, name) }

type mockUserRepo struct {
	findByIDFn   func(ctx context.Context, id string) (*model.User, error)
	deleteByIDFn func(ctx context.Context, id string) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}
func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*model.User, error) {
	return nil, nil
}
func (m *mockUserRepo) CreateWithIdentity(ctx context.Context, user *model.User, identity *model.Identity) error {
	return nil
}
func (m *mockUserRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

type mockSessionRepo struct {
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error { return nil }
func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	return nil, nil
}
func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error { return nil }
func (m *mockSessionRepo) DeleteByUserID(ctx context.Context, userID string) error {
	if m.deleteByUserIDFn != nil {
		return m.deleteByUserIDFn(ctx, userID)
	}
	return nil
}

type publisherFunc func(ctx context.Context, ownerID string) error

func (f publisherFunc) Publish(ctx context.Context, ownerID string) error { return f(ctx, ownerID) }

func TestService_Withdraw(t *testing.T) {
	dbErr := errors.New("connection reset")

	tests := []struct {
		name       string
		missing    bool
		findErr    error
		sessionErr error
		deleteErr  error
		publishErr error
		wantSteps  []string
		wantErr    error
		wantCode   string
	}{
		{
			name:      "セッション、ユーザー、通知の順に実行する",
			wantSteps: []string{"sessions", "user", "publish"},
		},
		{
			name:       "通知の失敗は退会を失敗させない",
			publishErr: errors.New("bus closed"),
			wantSteps:  []string{"sessions", "user", "publish"},
		},
		{
			name:     "存在しないユーザー",
			missing:  true,
			wantCode: model.ErrCodeUserNotFound,
		},
		{
			name:    "ユーザー取得の失敗",
			findErr: dbErr,
			wantErr: dbErr,
		},
		{
			name:       "セッション削除の失敗ではユーザーを残す",
			sessionErr: dbErr,
			wantSteps:  []string{"sessions"},
			wantErr:    dbErr,
		},
		{
			name:      "ユーザー削除の失敗では通知しない",
			deleteErr: dbErr,
			wantSteps: []string{"sessions", "user"},
			wantErr:   dbErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got steps
			users := &mockUserRepo{
				findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
					if tt.findErr != nil {
						return nil, tt.findErr
					}
					if tt.missing {
						return nil, nil
					}
					return &model.User{ID: id, Email: "a@example.com"}, nil
				},
				deleteByIDFn: func(ctx context.Context, id string) error {
					got.add("user")
					return tt.deleteErr
				},
			}
			sessions := &mockSessionRepo{
				deleteByUserIDFn: func(ctx context.Context, userID string) error {
					got.add("sessions")
					return tt.sessionErr
				},
			}
			pub := publisherFunc(func(ctx context.Context, ownerID string) error {
				if ownerID != "user-1" {
					t.Errorf("published owner = %q", ownerID)
				}
				got.add("publish")
				return tt.publishErr
			})

			err := NewService(users, sessions, pub).Withdraw(context.Background(), "user-1")

			switch {
			case tt.wantCode != "":
				if !model.HasCode(err, tt.wantCode) {
					t.Errorf("err = %v, want code %s", err, tt.wantCode)
				}
			case tt.wantErr != nil:
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("err = %v, want wrapped %v", err, tt.wantErr)
				}
			default:
				if err != nil {
					t.Fatalf("Withdraw: %v", err)
				}
			}
			if !reflect.DeepEqual([]string(got), tt.wantSteps) {
				t.Errorf("steps = %v, want %v", got, tt.wantSteps)
			}
		})
	}
}

// 削除の確定後に要求が切断されても、他端末への通知は発行されること
func TestService_Withdraw_PublishesAfterRequestCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	users := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id}, nil
		},
		deleteByIDFn: func(ctx context.Context, id string) error {
			cancel()
			return nil
		},
	}
	var published []string
	pub := publisherFunc(func(ctx context.Context, ownerID string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if _, ok := ctx.Deadline(); !ok {
			t.Error("publish context has no deadline")
		}
		published = append(published, ownerID)
		return nil
	})

	if err := NewService(users, &mockSessionRepo{}, pub).Withdraw(ctx, "user-1"); err != nil {
		t.Fatalf("Withdraw: %v", err)
	}
	if !reflect.DeepEqual(published, []string{"user-1"}) {
		t.Errorf("published = %v, want [user-1]", published)
	}
}

func TestService_Withdraw_NilPublisher(t *testing.T) {
	users := &mockUserRepo{
		findByIDFn: func(ctx context.Context, id string) (*model.User, error) {
			return &model.User{ID: id}, nil
		},
	}
	if err := NewService(users, &mockSessionRepo{}, nil).Withdraw(context.Background(), "user-1"); err != nil {
		t.Errorf("Withdraw: %v", err)
	}
}
