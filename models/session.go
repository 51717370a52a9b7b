package models

import (
	"context"
	"errors"
	"time"

	"github.com/mmdatafocus/multipack_backend/config"
	"github.com/mmdatafocus/multipack_backend/utils"
	"gorm.io/gorm"
)

const sessionCacheTTL = time.Hour

// Session holds the offline Admin API access token of an installed shop.
type Session struct {
	ID          uint      `gorm:"primary_key" json:"id"`
	Shop        string    `gorm:"size:255;not null;uniqueIndex" json:"shop"`
	AccessToken string    `gorm:"type:text;not null" json:"access_token"`
	Scope       string    `gorm:"size:1024" json:"scope"`
	CreatedAt   time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

type SessionStore struct {
	db *gorm.DB
}

func NewSessionStore(db *gorm.DB) *SessionStore {
	return &SessionStore{db: db}
}

func sessionCacheKey(shop string) string {
	return "Session:" + shop
}

// GetSession returns utils.ErrorRecordNotFound when the shop has no usable session.
func (s *SessionStore) GetSession(ctx context.Context, shop string) (*Session, error) {
	var session Session
	exists, err := config.GetRedisObject(sessionCacheKey(shop), &session)
	if err != nil {
		config.LogError(config.GetLogger(), "models", "GetSession", "read session cache", shop, err)
	}
	if exists && session.AccessToken != "" {
		return &session, nil
	}

	if s.db == nil {
		return nil, errors.New("db is nil")
	}
	err = s.db.WithContext(ctx).
		Where("shop = ?", shop).
		Take(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, utils.ErrorRecordNotFound
		}
		return nil, err
	}
	if session.AccessToken == "" {
		return nil, utils.ErrorRecordNotFound
	}
	if err := config.SetRedisObject(sessionCacheKey(shop), &session, sessionCacheTTL); err != nil {
		config.LogError(config.GetLogger(), "models", "GetSession", "write session cache", shop, err)
	}
	return &session, nil
}

// HasSession reports whether the shop is installed with a usable access token.
func (s *SessionStore) HasSession(ctx context.Context, shop string) (bool, error) {
	_, err := s.GetSession(ctx, shop)
	if err != nil {
		if errors.Is(err, utils.ErrorRecordNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// InvalidateSession drops the cached copy, e.g. after an uninstall.
func (s *SessionStore) InvalidateSession(shop string) error {
	return config.RemoveRedisKey(sessionCacheKey(shop))
}
