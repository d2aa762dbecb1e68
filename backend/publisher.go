// Copyright (c) 2026 TTBT Enterprises LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream match updates are published to.
const DefaultStream = "matches.updates"

const (
	publishTimeout   = 2 * time.Second
	publishQueueSize = 256
)

// Publisher receives the summary of a match after every applied batch.
type Publisher interface {
	Publish(ctx context.Context, s MatchSummary) error
}

// RedisPublisher publishes match summaries to a Redis stream.
type RedisPublisher struct {
	client *redis.Client
	stream string
}

// NewRedisPublisher creates a publisher writing to stream. An empty stream
// means DefaultStream.
func NewRedisPublisher(client *redis.Client, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{client: client, stream: stream}
}

// Publish appends s to the stream.
func (p *RedisPublisher) Publish(ctx context.Context, s MatchSummary) error {
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling match summary: %w", err)
	}
	return p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		Values: map[string]interface{}{
			"data":     string(data),
			"match_id": s.ID,
			"phase":    string(s.Phase),
		},
	}).Err()
}

// Close closes the underlying client.
func (p *RedisPublisher) Close() error {
	return p.client.Close()
}
