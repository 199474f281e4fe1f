package dht

import (
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"net"
	"sync"

	"github.com/benbjohnson/clock"
)

// tokenManager STORE 令牌管理器
//
// 令牌是请求者 IP 与本地密钥的摘要：节点必须先从某个 IP 发起
// FIND_VALUE 才能拿到对该 IP 有效的令牌，再凭它 STORE。密钥
// 周期轮换，轮换后旧密钥签发的令牌仍在一个周期内有效。
type tokenManager struct {
	mu sync.Mutex

	// secret 当前密钥
	secret []byte

	// oldSecret 上一轮密钥
	oldSecret []byte

	// clock 时间源
	clock clock.Clock
}

// newTokenManager 创建令牌管理器
func newTokenManager(clk clock.Clock) *tokenManager {
	tm := &tokenManager{clock: clk}
	tm.secret = newSecret()
	tm.oldSecret = tm.secret
	return tm
}

// newSecret 生成 32 字节随机密钥
func newSecret() []byte {
	s := make([]byte, 32)
	_, _ = rand.Read(s)
	return s
}

// rotate 轮换密钥
func (tm *tokenManager) rotate() {
	tm.mu.Lock()
	defer tm.mu.Unlock()

	tm.oldSecret = tm.secret
	tm.secret = newSecret()
}

// generate 为指定 IP 签发令牌
func (tm *tokenManager) generate(ip net.IP) string {
	tm.mu.Lock()
	secret := tm.secret
	tm.mu.Unlock()

	return tokenFor(secret, ip)
}

// verify 校验令牌，当前和上一轮密钥签发的都接受
func (tm *tokenManager) verify(token string, ip net.IP) bool {
	tm.mu.Lock()
	secret, oldSecret := tm.secret, tm.oldSecret
	tm.mu.Unlock()

	current := tokenFor(secret, ip)
	if subtle.ConstantTimeCompare([]byte(token), []byte(current)) == 1 {
		return true
	}
	previous := tokenFor(oldSecret, ip)
	return subtle.ConstantTimeCompare([]byte(token), []byte(previous)) == 1
}

// tokenFor 计算 sha384(secret || ip)
func tokenFor(secret []byte, ip net.IP) string {
	h := sha512.New384()
	h.Write(secret)
	h.Write([]byte(ip.String()))
	return string(h.Sum(nil))
}
