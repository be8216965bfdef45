package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const deviceKeyPrefix = "device:"

// RedisDevicePreferenceRepository keeps one device's settings in Redis. The
// keys carry no TTL.
type RedisDevicePreferenceRepository struct {
	client   *redis.Client
	deviceID string
}

func NewRedisDevicePreferenceRepository(client *redis.Client, deviceID string) *RedisDevicePreferenceRepository {
	return &RedisDevicePreferenceRepository{client: client, deviceID: deviceID}
}

// LowBandwidthMode reports the stored preference. An unset key means off.
func (r *RedisDevicePreferenceRepository) LowBandwidthMode(ctx context.Context) (bool, error) {
	value, err := r.client.Get(ctx, r.key("low_bandwidth_mode")).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to get low bandwidth mode: %w", err)
	}
	return value == "1", nil
}

func (r *RedisDevicePreferenceRepository) SetLowBandwidthMode(ctx context.Context, enabled bool) error {
	value := "0"
	if enabled {
		value = "1"
	}
	if err := r.client.Set(ctx, r.key("low_bandwidth_mode"), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to set low bandwidth mode: %w", err)
	}
	return nil
}

// Helper: build Redis key for a device setting
func (r *RedisDevicePreferenceRepository) key(setting string) string {
	return deviceKeyPrefix + r.deviceID + ":" + setting
}
