package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/rryowa/dashboard_session/internal/models"
	"github.com/rryowa/dashboard_session/internal/storage"
)

type UserRepository struct {
	mu    sync.RWMutex
	users map[string]models.StubUser
}

func NewUserRepository(users ...models.StubUser) *UserRepository {
	r := &UserRepository{users: make(map[string]models.StubUser, len(users))}
	for _, u := range users {
		r.users[u.ID] = u
	}
	return r
}

func (r *UserRepository) GetUserByEmail(_ context.Context, email string) (*models.StubUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, u := range r.users {
		if strings.EqualFold(u.Email, strings.TrimSpace(email)) {
			return &u, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

func (r *UserRepository) GetUserByID(_ context.Context, id string) (*models.StubUser, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	return &u, nil
}

func (r *UserRepository) UpdatePasswordHash(_ context.Context, id, hash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.users[id]
	if !ok {
		return storage.ErrUserNotFound
	}
	u.PasswordHash = hash
	r.users[id] = u
	return nil
}
