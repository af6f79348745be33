package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"meditext/pkg/domain"
)

// RedisCodeStore keeps exactly one verification code per phone. Writing a new
// code overwrites the key, which invalidates every earlier code for the phone.
type RedisCodeStore struct {
	client    *redis.Client
	keyPrefix string
	// persistGrace keeps used/expired records around briefly after expiry so
	// late verify attempts see a consistent "expired" answer.
	persistGrace time.Duration
	maxAttempts  int
	txRetries    int
}

// NewRedisCodeStore connects to Redis for verification code storage.
func NewRedisCodeStore(addr, password string) (*RedisCodeStore, error) {
	addr = strings.TrimSpace(addr)
	if addr == "" {
		return nil, errors.New("code store redis addr is required")
	}
	return &RedisCodeStore{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
		}),
		keyPrefix:    "meditext:otp",
		persistGrace: time.Minute,
		maxAttempts:  5,
		txRetries:    5,
	}, nil
}

// SaveCode stores code as the phone's only code.
func (s *RedisCodeStore) SaveCode(ctx context.Context, code domain.VerificationCode) error {
	if strings.TrimSpace(code.Phone) == "" {
		return errors.New("verification code phone is required")
	}
	if code.MaxAttempts <= 0 {
		code.MaxAttempts = s.maxAttempts
	}
	raw, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("marshal verification code: %w", err)
	}
	ttl := max(code.ExpiresAt.Sub(code.IssuedAt), 0)
	return s.client.Set(ctx, s.codeKey(code.Phone), raw, ttl+s.persistGrace).Err()
}

// ConsumeCode marks the phone's code used inside a WATCH transaction so two
// concurrent verifications of the same code cannot both succeed. A rejected
// guess increments the attempt counter in the same transaction and burns the
// code once MaxAttempts is reached.
func (s *RedisCodeStore) ConsumeCode(ctx context.Context, phone string, valid func(domain.VerificationCode) bool) error {
	key := s.codeKey(phone)
	consume := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var code domain.VerificationCode
		if err := json.Unmarshal(raw, &code); err != nil {
			return fmt.Errorf("unmarshal verification code: %w", err)
		}
		if code.Used || (code.MaxAttempts > 0 && code.Attempts >= code.MaxAttempts) {
			return ErrNotFound
		}
		matched := valid(code)
		if matched {
			code.Used = true
		} else {
			code.Attempts++
			if code.MaxAttempts > 0 && code.Attempts >= code.MaxAttempts {
				code.Used = true
			}
		}
		updated, err := json.Marshal(code)
		if err != nil {
			return fmt.Errorf("marshal verification code: %w", err)
		}
		ttl, err := tx.PTTL(ctx, key).Result()
		if err != nil {
			return err
		}
		if ttl <= 0 {
			ttl = s.persistGrace
		}
		if _, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, ttl)
			return nil
		}); err != nil {
			return err
		}
		if !matched {
			return ErrNotFound
		}
		return nil
	}
	// a lost race is retried so every guess is counted
	for i := 0; i < s.txRetries; i++ {
		err := s.client.Watch(ctx, consume, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return ErrConflict
}

func (s *RedisCodeStore) codeKey(phone string) string {
	return fmt.Sprintf("%s:code:%s", s.keyPrefix, phone)
}
