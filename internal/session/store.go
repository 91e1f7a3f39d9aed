// Package session はターミナルクライアントの認証セッション状態を保持する。
//
// 状態遷移は認証基盤のセッション変更チャネルによってのみ駆動される。
// Register/Login/Logoutの戻り値で状態を直接書き換えることはなく、
// Runが唯一の書き込み手となる。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/hitoshi/todosync/internal/model"
	"github.com/hitoshi/todosync/internal/tasksync"
)

// Status はセッションの状態。
type Status int

const (
	// Unknown はセッション確認中の初期状態。
	Unknown Status = iota
	// Authenticated はサインイン済み。
	Authenticated
	// Anonymous は未サインイン。
	Anonymous
)

func (s Status) String() string {
	switch s {
	case Authenticated:
		return "authenticated"
	case Anonymous:
		return "anonymous"
	default:
		return "unknown"
	}
}

// Identity はサインイン中のアカウント。
type Identity struct {
	ID    string
	Email string
}

// State は現在のセッション状態。IdentityはAuthenticatedのときのみ非nil。
type State struct {
	Status   Status
	Identity *Identity
}

// OwnerID はタスクの所有者IDとして使うIdentityのIDを返す。未サインインでは空文字列。
func (s State) OwnerID() string {
	if s.Status != Authenticated || s.Identity == nil {
		return ""
	}
	return s.Identity.ID
}

// ErrFederatedCancelled はユーザーが外部IdPの同意画面をキャンセルしたことを表す。
// ProviderのSignInFederatedはキャンセル時にこれをラップして返す。
var ErrFederatedCancelled = errors.New("federated sign-in cancelled")

// Provider は認証基盤のクライアント。
type Provider interface {
	CreateAccount(ctx context.Context, email, password string) error
	SignIn(ctx context.Context, email, password string) error
	SignInFederated(ctx context.Context) error
	SignOut(ctx context.Context) error
	// SessionChanges はセッション変更チャネルを返す。最初の値は現在のセッション。
	// nilはサインアウトを表す。ctxの終了でチャネルはクローズされる。
	SessionChanges(ctx context.Context) (<-chan *Identity, error)
}

// Flow はGoogleサインインを開始した画面。
type Flow int

const (
	FlowLogin Flow = iota
	FlowRegister
)

// Options はStoreの動作設定。
type Options struct {
	// ReportFederatedCancel は画面ごとに、同意画面のキャンセルを
	// FEDERATED_FLOW_FAILEDとして返すかを指定する。未指定の画面ではキャンセルを無視する。
	ReportFederatedCancel map[Flow]bool
	// Backoff はセッション変更の購読に失敗したときの再試行間隔。
	Backoff tasksync.Backoff
	Logger  *slog.Logger
}

// Store はプロセス全体で1つの認証セッション状態を保持する。
type Store struct {
	provider Provider
	opts     Options
	logger   *slog.Logger

	// forced はサインアウト失敗時にローカルでAnonymousへ遷移させる要求。Runが消費する。
	forced chan struct{}

	mu     sync.Mutex
	state  State
	subs   map[int]func(State)
	nextID int
}

// NewStore はUnknown状態のStoreを生成する。
func NewStore(provider Provider, opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		provider: provider,
		opts:     opts,
		logger:   logger,
		forced:   make(chan struct{}, 1),
		state:    State{Status: Unknown},
		subs:     make(map[int]func(State)),
	}
}

// State は現在の状態を返す。
func (s *Store) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Subscribe は状態遷移ごとに呼ばれるfnを登録し、登録解除関数を返す。
// fnはRunのgoroutineから同期的に呼ばれる。
func (s *Store) Subscribe(fn func(State)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// Run は認証基盤のセッション変更を購読し、到着順に状態へ反映する。
// ctxが終了するか、チャネルがクローズされるまでブロックする。
// 購読を開始できない間はAnonymousとして扱い、Options.Backoffの間隔で再試行する。
func (s *Store) Run(ctx context.Context) error {
	changes, err := s.watch(ctx)
	if err != nil {
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-s.forced:
			s.apply(State{Status: Anonymous})
		case ident, ok := <-changes:
			if !ok {
				return nil
			}
			if ident == nil {
				s.apply(State{Status: Anonymous})
				continue
			}
			copied := *ident
			s.apply(State{Status: Authenticated, Identity: &copied})
		}
	}
}

// watch は購読を開始できるまでSessionChangesを再試行する。
// ctxが終了した場合はctx.Err()を返す。
func (s *Store) watch(ctx context.Context) (<-chan *Identity, error) {
	for failures := 0; ; failures++ {
		changes, err := s.provider.SessionChanges(ctx)
		if err == nil {
			return changes, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		delay := s.opts.Backoff.Delay(failures)
		s.logger.Warn("failed to watch session changes; retrying",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)
		if failures == 0 {
			s.apply(State{Status: Anonymous})
		}

		if err := s.sleep(ctx, delay); err != nil {
			return nil, err
		}
	}
}

// sleep はdだけ待つ。待機中のサインアウト要求は既にAnonymousなので読み捨てる。
func (s *Store) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.forced:
		case <-timer.C:
			return nil
		}
	}
}

// apply は状態を更新し、登録済みの全購読者に通知する。
func (s *Store) apply(next State) {
	s.mu.Lock()
	prev := s.state
	s.state = next
	subs := make([]func(State), 0, len(s.subs))
	for _, fn := range s.subs {
		subs = append(subs, fn)
	}
	s.mu.Unlock()

	s.logger.Debug("session state changed",
		slog.String("from", prev.Status.String()),
		slog.String("to", next.Status.String()),
	)

	for _, fn := range subs {
		fn(next)
	}
}

// Register はアカウントを作成する。状態の反映はセッション変更チャネル経由で行われる。
func (s *Store) Register(ctx context.Context, email, password string) error {
	err := s.provider.CreateAccount(ctx, email, password)
	if err == nil {
		return nil
	}
	return classify(err, model.ErrCodeInvalidCredentialsFormat, model.ErrCodeAccountExists)
}

// Login はメールアドレスとパスワードでサインインする。
func (s *Store) Login(ctx context.Context, email, password string) error {
	err := s.provider.SignIn(ctx, email, password)
	if err == nil {
		return nil
	}
	return classify(err, model.ErrCodeInvalidCredentials, model.ErrCodeInvalidCredentialsFormat)
}

// LoginWithFederatedProvider はGoogleの同意画面を経由してサインインする。
// キャンセルをエラーとするかはflowごとのOptions.ReportFederatedCancelに従う。
func (s *Store) LoginWithFederatedProvider(ctx context.Context, flow Flow) error {
	err := s.provider.SignInFederated(ctx)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrFederatedCancelled):
		if s.opts.ReportFederatedCancel[flow] {
			return model.NewFederatedFlowFailedError("cancelled")
		}
		s.logger.Info("federated sign-in cancelled")
		return nil
	case model.HasCode(err, model.ErrCodeFederatedFlowFailed), model.HasCode(err, model.ErrCodeProviderUnavailable):
		return err
	default:
		s.logger.Warn("federated sign-in failed", slog.String("error", err.Error()))
		return model.NewFederatedFlowFailedError(err.Error())
	}
}

// Logout はサインアウトする。認証基盤側の失敗はローカルでAnonymousへ遷移させて吸収する。
func (s *Store) Logout(ctx context.Context) error {
	if err := s.provider.SignOut(ctx); err != nil {
		s.logger.Warn("sign-out failed; clearing session locally", slog.String("error", err.Error()))
		select {
		case s.forced <- struct{}{}:
		default:
		}
	}
	return nil
}

// classify はProviderのエラーを分類済みエラーに揃える。
// passに含まれるコードとPROVIDER_UNAVAILABLEはそのまま返し、それ以外はPROVIDER_UNAVAILABLEとする。
func classify(err error, pass ...string) error {
	code := model.CodeOf(err)
	if code == model.ErrCodeProviderUnavailable {
		return err
	}
	for _, c := range pass {
		if code == c {
			return err
		}
	}
	return model.NewProviderUnavailableError()
}
