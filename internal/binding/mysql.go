package binding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Binding is the row shape of the shared MySQL store.
type Binding struct {
	UserID    int64  `gorm:"primaryKey;autoIncrement:false"`
	Nickname  string `gorm:"size:32;not null;uniqueIndex"`
	CreatedAt time.Time
}

func (Binding) TableName() string { return "chatsync_bindings" }

type gormStore struct {
	db  *gorm.DB
	log zerolog.Logger
}

func openMySQL(dsn string, log zerolog.Logger) (*gormStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql binding store needs a dsn")
	}
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open binding store: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetConnMaxLifetime(time.Hour)
	sqlDB.SetMaxIdleConns(2)
	sqlDB.SetMaxOpenConns(5)
	if err := db.AutoMigrate(&Binding{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("failed to migrate binding schema: %w", err)
	}
	log.Info().Msg("Binding store ready")
	return &gormStore{db: db, log: log}, nil
}

func (s *gormStore) Bind(ctx context.Context, userID int64, nickname string) error {
	if err := ValidNickname(nickname); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing Binding
		err := tx.Where("user_id = ? OR nickname = ?", userID, nickname).First(&existing).Error
		switch {
		case err == nil && existing.UserID == userID:
			return ErrAlreadyBound
		case err == nil:
			return ErrNicknameTaken
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return fmt.Errorf("binding lookup failed: %w", err)
		}
		return tx.Create(&Binding{UserID: userID, Nickname: nickname}).Error
	})
	if err != nil {
		return err
	}
	s.log.Info().Int64("user", userID).Str("nickname", nickname).Msg("Member bound")
	return nil
}

func (s *gormStore) Unbind(ctx context.Context, userID int64) (string, error) {
	var nickname string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var b Binding
		if err := tx.First(&b, "user_id = ?", userID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotBound
			}
			return err
		}
		nickname = b.Nickname
		return tx.Delete(&b).Error
	})
	if err != nil {
		return "", err
	}
	s.log.Info().Int64("user", userID).Str("nickname", nickname).Msg("Member unbound")
	return nickname, nil
}

func (s *gormStore) Nickname(ctx context.Context, userID int64) (string, bool, error) {
	var b Binding
	err := s.db.WithContext(ctx).First(&b, "user_id = ?", userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return b.Nickname, true, nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
