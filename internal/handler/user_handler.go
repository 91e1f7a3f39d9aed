package handler

import (
	"context"
	"net/http"
)

// AccountRemover はアカウントを削除する。user.Serviceが満たす。
type AccountRemover interface {
	Withdraw(ctx context.Context, userID string) error
}

// UserHandler はログイン中アカウントの操作を扱う。
type UserHandler struct {
	accounts AccountRemover
	config   AuthHandlerConfig
}

// NewUserHandler はUserHandlerを生成する。Cookie属性はAuthHandlerと共有する。
func NewUserHandler(accounts AccountRemover, config AuthHandlerConfig) *UserHandler {
	return &UserHandler{accounts: accounts, config: config}
}

// Withdraw はアカウントを削除し、セッションCookieを破棄する。
// 失敗した場合はCookieを残す。
// DELETE /api/users/me
func (h *UserHandler) Withdraw(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.accounts.Withdraw(r.Context(), userID); err != nil {
		handleServiceError(w, err)
		return
	}

	http.SetCookie(w, h.config.sessionCookie("", -1))
	w.WriteHeader(http.StatusNoContent)
}
