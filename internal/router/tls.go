

// =============================================================================
// 文件: internal/router/tls.go
// 描述: 路由桩 TLS 拨号器 - 基于 uTLS 的浏览器指纹客户端握手
// =============================================================================
package router

import (
	"context"
	"fmt"
	"net"
	"time"

	utls "github.com/refraction-networking/utls"
)

// 支持的指纹
const (
	FingerprintChrome  = "chrome"
	FingerprintFirefox = "firefox"
	FingerprintSafari  = "safari"
	FingerprintIOS     = "ios"
	FingerprintEdge    = "edge"
)

// TLSDialer wss:// 路由桩的 TLS 拨号器
// 用 uTLS 模拟浏览器 ClientHello，使心跳流量与普通 HTTPS 无法区分
type TLSDialer struct {
	ServerName         string
	Fingerprint        string
	InsecureSkipVerify bool
	HandshakeTimeout   time.Duration
}

// clientHelloID 指纹映射
func (d *TLSDialer) clientHelloID() utls.ClientHelloID {
	switch d.Fingerprint {
	case FingerprintFirefox:
		return utls.HelloFirefox_Auto
	case FingerprintSafari:
		return utls.HelloSafari_Auto
	case FingerprintIOS:
		return utls.HelloIOS_Auto
	case FingerprintEdge:
		return utls.HelloEdge_Auto
	default:
		return utls.HelloChrome_Auto
	}
}

// DialTLSContext 建立 TLS 连接，签名与 websocket.Dialer.NetDialTLSContext 对齐
func (d *TLSDialer) DialTLSContext(ctx context.Context, network, addr string) (net.Conn, error) {
	timeout := d.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	dialer := &net.Dialer{Timeout: timeout}
	raw, err := dialer.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("连接失败: %w", err)
	}

	serverName := d.ServerName
	if serverName == "" {
		host, _, _ := net.SplitHostPort(addr)
		serverName = host
	}

	cfg := &utls.Config{
		ServerName:         serverName,
		InsecureSkipVerify: d.InsecureSkipVerify,
		NextProtos:         []string{"http/1.1"},
	}

	uconn := utls.UClient(raw, cfg, d.clientHelloID())

	errCh := make(chan error, 1)
	go func() {
		errCh <- uconn.Handshake()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			raw.Close()
			return nil, fmt.Errorf("TLS 握手失败: %w", err)
		}
	case <-ctx.Done():
		raw.Close()
		return nil, ctx.Err()
	case <-time.After(timeout):
		raw.Close()
		return nil, fmt.Errorf("TLS 握手超时")
	}

	return uconn, nil
}
