package limiter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"

	"github.com/MorseWayne/stock_engine/internal/middleware"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	// 注意：此测试需要运行Redis实例
	if testing.Short() {
		t.Skip("Skipping Redis test in short mode")
	}
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 1})
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Skipping Redis test, cannot connect: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		typ     LimiterType
		config  *Config
		wantErr bool
	}{
		{"local fallback", TokenBucket, &Config{Rate: 10, Window: time.Second}, false},
		{"zero rate", TokenBucket, &Config{Rate: 0, Window: time.Second}, true},
		{"zero window", FixedWindow, &Config{Rate: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := New(tt.typ, nil, tt.config)
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil {
				if _, ok := l.(*LocalLimiter); !ok {
					t.Errorf("New() without redis = %T, want *LocalLimiter", l)
				}
				if tt.config.Burst != tt.config.Rate {
					t.Errorf("Burst defaulted to %d, want %d", tt.config.Burst, tt.config.Rate)
				}
			}
		})
	}

	if _, err := New("leaky", redis.NewClient(&redis.Options{}), &Config{Rate: 1, Window: time.Second}); err == nil {
		t.Error("unknown limiter type should fail")
	}
}

func TestLocalLimiter(t *testing.T) {
	l, err := NewLocalLimiter(&Config{Rate: 1, Burst: 3, Window: time.Hour})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "a")
		if err != nil || !res.Allowed {
			t.Fatalf("request %d should pass: %+v %v", i, res, err)
		}
	}
	res, _ := l.Allow(ctx, "a")
	if res.Allowed || res.RetryAfter <= 0 {
		t.Errorf("4th request = %+v, want rejected with RetryAfter", res)
	}

	// 其他 key 独立计数
	if res, _ := l.Allow(ctx, "b"); !res.Allowed {
		t.Error("independent key should pass")
	}
	// 超过容量的 N 永远不会通过
	if res, _ := l.AllowN(ctx, "c", 4); res.Allowed {
		t.Error("AllowN beyond burst should be rejected")
	}

	if err := l.Reset(ctx, "a"); err != nil {
		t.Fatal(err)
	}
	if res, _ := l.Allow(ctx, "a"); !res.Allowed {
		t.Error("request after Reset should pass")
	}
}

func TestTokenBucketLimiter_Redis(t *testing.T) {
	client := newTestRedis(t)
	l, err := NewTokenBucketLimiter(client, &Config{Rate: 5, Burst: 5, Window: time.Hour, KeyPrefix: "test:limiter:tb"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	key := fmt.Sprintf("k%d", time.Now().UnixNano())
	defer l.Reset(ctx, key)

	for i := 0; i < 5; i++ {
		if res, err := l.Allow(ctx, key); err != nil || !res.Allowed {
			t.Fatalf("request %d should pass: %+v %v", i, res, err)
		}
	}
	res, err := l.Allow(ctx, key)
	if err != nil {
		t.Fatal(err)
	}
	if res.Allowed || res.RetryAfter <= 0 || res.Remaining != 0 {
		t.Errorf("6th request = %+v, want rejected", res)
	}
}

func TestFixedWindowLimiter_Redis(t *testing.T) {
	client := newTestRedis(t)
	l, err := NewFixedWindowLimiter(client, &Config{Rate: 3, Window: time.Hour, KeyPrefix: "test:limiter:fw"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	key := fmt.Sprintf("k%d", time.Now().UnixNano())
	defer l.Reset(ctx, key)

	res, err := l.AllowN(ctx, key, 2)
	if err != nil || !res.Allowed || res.Remaining != 1 {
		t.Fatalf("AllowN(2) = %+v %v", res, err)
	}
	if res, _ := l.AllowN(ctx, key, 2); res.Allowed {
		t.Error("AllowN(2) beyond quota should be rejected")
	}
	if res, _ := l.Allow(ctx, key); !res.Allowed {
		t.Error("Allow() within quota should pass")
	}
}

// stubLimiter 固定返回结果的限流器
type stubLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (s *stubLimiter) Allow(ctx context.Context, key string) (*LimitResult, error) {
	return s.AllowN(ctx, key, 1)
}

func (s *stubLimiter) AllowN(_ context.Context, key string, _ int64) (*LimitResult, error) {
	s.keys = append(s.keys, key)
	if s.err != nil {
		return nil, s.err
	}
	res := &LimitResult{Allowed: s.allowed, Limit: 10, Remaining: 3}
	if !s.allowed {
		res.Remaining = 0
		res.RetryAfter = 1500 * time.Millisecond
	}
	return res, nil
}

func (s *stubLimiter) Reset(context.Context, string) error { return nil }

func TestRateLimitMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		limiter    *stubLimiter
		failOpen   bool
		wantStatus int
		wantRetry  string
	}{
		{"allowed", &stubLimiter{allowed: true}, false, http.StatusOK, ""},
		{"limited", &stubLimiter{allowed: false}, false, http.StatusTooManyRequests, "2"},
		{"backend down fail closed", &stubLimiter{err: errors.New("down")}, false, http.StatusServiceUnavailable, ""},
		{"backend down fail open", &stubLimiter{err: errors.New("down")}, true, http.StatusOK, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := gin.New()
			r.POST("/op", func(c *gin.Context) {
				c.Set(middleware.GinKeyOperatorID, "op-9")
				c.Next()
			}, RateLimitMiddleware(&MiddlewareConfig{
				Limiter:      tt.limiter,
				KeyGenerator: OperatorKeyGenerator,
				FailOpen:     tt.failOpen,
			}), func(c *gin.Context) {
				c.Status(http.StatusOK)
			})

			rr := httptest.NewRecorder()
			r.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/op", nil))
			if rr.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rr.Code, tt.wantStatus)
			}
			if got := rr.Header().Get("Retry-After"); got != tt.wantRetry {
				t.Errorf("Retry-After = %q, want %q", got, tt.wantRetry)
			}
			if len(tt.limiter.keys) != 1 || tt.limiter.keys[0] != "operator:op-9" {
				t.Errorf("limiter keys = %v", tt.limiter.keys)
			}
		})
	}
}

func TestOperatorKeyGenerator_FallsBackToIP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)
	c.Request.RemoteAddr = "10.0.0.1:1234"

	if got := OperatorKeyGenerator(c); got != "ip:10.0.0.1" {
		t.Errorf("key = %q, want ip:10.0.0.1", got)
	}
}
