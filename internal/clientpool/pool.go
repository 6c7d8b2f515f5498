// Пакет clientpool — пул HTTP-клиентов, по одному на целевой хост.
//
// Клиенты хранятся в LRU-кэше (hashicorp/golang-lru/v2/expirable):
// при переполнении вытесняется давно не использовавшийся клиент,
// простаивающий дольше idleTTL удаляется автоматически. Каждый клиент
// отключает проверку TLS-сертификата и, если задан frontHost,
// подставляет его в SNI (domain fronting). Заголовок Host остаётся
// логическим хостом запроса.
package clientpool

import (
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Ошибки пула.
var (
	// ErrNoClient — для хоста нет клиента (Acquire не вызывался или клиент вытеснен)
	ErrNoClient = errors.New("нет HTTP-клиента для хоста")
	// ErrPoolClosed — пул закрыт
	ErrPoolClosed = errors.New("пул HTTP-клиентов закрыт")
)

// Prometheus-метрики пула.
var (
	clientsCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fm_http_clients_created_total",
		Help: "Количество созданных HTTP-клиентов пула.",
	})
	clientsEvictedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "fm_http_clients_evicted_total",
		Help: "Количество HTTP-клиентов, вытесненных из пула.",
	})
)

// Options — параметры пула.
type Options struct {
	// Capacity — максимальное количество клиентов
	Capacity int
	// IdleTTL — время жизни неиспользуемого клиента (0 — без ограничения)
	IdleTTL time.Duration
	// ResponseHeaderTimeout — таймаут ожидания заголовков ответа
	ResponseHeaderTimeout time.Duration
	// FrontHost — имя для SNI; пустое — SNI совпадает с хостом запроса
	FrontHost string
	// UserAgent — значение User-Agent, если запрос его не задал
	UserAgent string
}

// key — ключ пула: хост назначения и (необязательный) прокси.
type key struct {
	host  string
	proxy string
}

// client — HTTP-клиент, закреплённый за хостом.
type client struct {
	host     string
	http     *http.Client
	lastUsed time.Time
}

// Pool — потокобезопасный пул клиентов.
type Pool struct {
	mu      sync.Mutex
	clients *expirable.LRU[key, *client]
	opts    Options
	logger  *slog.Logger
	closed  bool
}

// New создаёт пул клиентов.
func New(opts Options, logger *slog.Logger) *Pool {
	if opts.Capacity <= 0 {
		opts.Capacity = 10
	}
	p := &Pool{
		opts:   opts,
		logger: logger.With(slog.String("component", "clientpool")),
	}
	p.clients = expirable.NewLRU[key, *client](opts.Capacity, p.onEvict, opts.IdleTTL)
	return p
}

// onEvict освобождает простаивающие соединения вытесненного клиента.
// Активные ответы дочитываются: CloseIdleConnections их не прерывает.
func (p *Pool) onEvict(k key, c *client) {
	c.http.CloseIdleConnections()
	clientsEvictedTotal.Inc()
	p.logger.Debug("HTTP-клиент вытеснен из пула",
		slog.String("host", k.host),
		slog.Time("last_used", c.lastUsed),
	)
}

// Acquire гарантирует наличие клиента для хоста target.
// Повторный вызов для того же хоста переиспользует клиент.
func (p *Pool) Acquire(target *url.URL, proxy string) error {
	if target == nil || target.Host == "" {
		return fmt.Errorf("пустой адрес назначения")
	}

	var proxyURL *url.URL
	if proxy != "" {
		u, err := url.Parse(proxy)
		if err != nil || u.Host == "" {
			return fmt.Errorf("некорректный адрес прокси %q", proxy)
		}
		proxyURL = u
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}

	k := key{host: target.Host, proxy: proxy}
	if _, ok := p.clients.Get(k); ok {
		return nil
	}

	p.clients.Add(k, &client{
		host:     target.Host,
		http:     p.newHTTPClient(proxyURL),
		lastUsed: time.Now(),
	})
	clientsCreatedTotal.Inc()
	p.logger.Debug("создан HTTP-клиент", slog.String("host", target.Host))
	return nil
}

// Do отправляет запрос через клиент хоста req.URL.Host.
// Если клиента нет — ErrNoClient. Успешная отправка продлевает
// время жизни клиента и делает его самым свежим в LRU.
func (p *Pool) Do(req *http.Request, proxy string) (*http.Response, error) {
	k := key{host: req.URL.Host, proxy: proxy}

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	c, ok := p.clients.Get(k)
	p.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoClient, req.URL.Host)
	}

	if req.Header.Get("User-Agent") == "" && p.opts.UserAgent != "" {
		req.Header.Set("User-Agent", p.opts.UserAgent)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	if !p.closed {
		c.lastUsed = time.Now()
		// Повторный Add обновляет срок жизни записи
		p.clients.Add(k, c)
	}
	p.mu.Unlock()
	return resp, nil
}

// Len возвращает количество клиентов в пуле.
func (p *Pool) Len() int {
	return p.clients.Len()
}

// Close освобождает все клиенты. Повторный вызов безопасен.
func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	p.clients.Purge()
}

// newHTTPClient собирает клиент: проверка сертификата отключена,
// SNI подменяется на FrontHost, редиректы и gzip включены (поведение
// net/http по умолчанию). Таймаут ограничивает только ожидание
// заголовков, чтобы не обрывать длинные тела ответов.
func (p *Pool) newHTTPClient(proxyURL *url.URL) *http.Client {
	tlsCfg := &tls.Config{
		InsecureSkipVerify: true, //nolint:gosec // G402: сертификаты источников не проверяются
		MinVersion:         tls.VersionTLS12,
	}
	if p.opts.FrontHost != "" {
		tlsCfg.ServerName = p.opts.FrontHost
	}

	proxyFn := http.ProxyFromEnvironment
	if proxyURL != nil {
		proxyFn = http.ProxyURL(proxyURL)
	}

	transport := &http.Transport{
		Proxy: proxyFn,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:       tlsCfg,
		ForceAttemptHTTP2:     true,
		MaxIdleConnsPerHost:   16,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   15 * time.Second,
		ResponseHeaderTimeout: p.opts.ResponseHeaderTimeout,
		ExpectContinueTimeout: time.Second,
	}

	return &http.Client{Transport: transport}
}
