package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ORDER_TIMEOUT_SECONDS", "")
	t.Setenv("PUBLIC_BASE_URL", "https://shop.example.com/")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Server.Port)
	assert.Equal(t, "https://shop.example.com", cfg.Server.BaseURL)
	assert.Equal(t, "npr", cfg.Stripe.Currency)
	assert.Equal(t, 5*time.Minute, cfg.Business.OrderTimeout())
	assert.Equal(t, 5, cfg.Business.StockMaxAttempts)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "k1:9092,k2:9092")
	t.Setenv("PAYMENT_TIMEOUT_SECONDS", "3")
	t.Setenv("RATE_LIMIT_RPS", "2.5")

	cfg := Load()

	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 3*time.Second, cfg.Business.PaymentTimeout())
	assert.Equal(t, 2.5, cfg.Business.RateLimitRPS)
}
