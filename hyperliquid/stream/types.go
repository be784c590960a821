// Package stream 提供 Hyperliquid websocket 推送连接
//
// 一个 Conn 对应一次物理连接：订阅、读循环、心跳。断线后由调用方（状态缓存的 Feed）
// 决定何时重新 Dial，这样重连状态机只在一个地方实现。
package stream

import (
	"errors"
	"time"
)

const (
	defaultPingInterval     = 15 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultEventBufferSize  = 1024
	defaultReadBufferSize   = 1 << 16
	defaultWriteBufferSize  = 4096
	defaultMaxMessageBytes  = 8 << 20
)

// ErrClosed 连接已关闭
var ErrClosed = errors.New("stream: connection closed")

// ErrFatal 不可恢复的连接错误（例如 URL 无效），调用方不应重试
var ErrFatal = errors.New("stream: fatal")

// Config 连接配置
type Config struct {
	URL string

	// 心跳设置
	PingInterval time.Duration
	WriteTimeout time.Duration

	// 缓冲区设置
	EventBufferSize int
	ReadBufferSize  int
	WriteBufferSize int
	MaxMessageBytes int64

	HandshakeTimeout time.Duration
}

// DefaultConfig 返回默认配置
func DefaultConfig(url string) Config {
	return Config{
		URL:              url,
		PingInterval:     defaultPingInterval,
		WriteTimeout:     defaultWriteTimeout,
		EventBufferSize:  defaultEventBufferSize,
		ReadBufferSize:   defaultReadBufferSize,
		WriteBufferSize:  defaultWriteBufferSize,
		MaxMessageBytes:  defaultMaxMessageBytes,
		HandshakeTimeout: defaultHandshakeTimeout,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig(c.URL)
	if c.PingInterval <= 0 {
		c.PingInterval = d.PingInterval
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = d.WriteTimeout
	}
	if c.EventBufferSize <= 0 {
		c.EventBufferSize = d.EventBufferSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = d.ReadBufferSize
	}
	if c.WriteBufferSize <= 0 {
		c.WriteBufferSize = d.WriteBufferSize
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = d.HandshakeTimeout
	}
	return c
}
