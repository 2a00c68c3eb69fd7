package omniq

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/not-empty/omniq-go/internal/errors"
)

// ClusterNode addresses one node of a redis cluster.
type ClusterNode struct {
	Host string
	Port int
}

// ClientOpts configures the store connection of a Client.
//
// Exactly one of the connection forms is used, in this order of
// precedence: a pre-built Redis client, RedisURL, cluster nodes, and
// finally host/port fields (falling back to 127.0.0.1:6379).
type ClientOpts struct {
	// Redis is a pre-built client to adopt instead of dialing one.
	// The caller keeps ownership; Close does not touch it.
	Redis redis.UniversalClient

	// RedisURL is a redis:// or rediss:// connection string.
	RedisURL string

	// Host, Port, DB, Username, Password and SSL describe a standalone
	// server. Host defaults to "127.0.0.1", Port to 6379.
	Host     string
	Port     int
	DB       int
	Username string
	Password string
	SSL      bool

	// SocketTimeout bounds individual commands; SocketConnectTimeout
	// bounds dialing. Zero keeps the driver defaults.
	SocketTimeout        time.Duration
	SocketConnectTimeout time.Duration

	// Cluster requests cluster mode against ClusterNodes. When the
	// server rejects cluster commands the client falls back to a
	// standalone connection against the first node.
	Cluster      bool
	ClusterNodes []ClusterNode
}

// clusterUnsupportedHints are the known substrings of server replies that
// indicate the target does not actually speak cluster. The sniffing is
// intentionally heuristic; re-evaluate the list on driver upgrades.
var clusterUnsupportedHints = []string{
	"cluster support disabled",
	"cluster mode is not enabled",
	"this instance has cluster support disabled",
	"moved",
	"ask",
}

func isClusterUnsupported(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, hint := range clusterUnsupportedHints {
		if strings.Contains(msg, hint) {
			return true
		}
	}
	return false
}

// makeRedisClient builds the store client described by opts.
// The second return value reports whether the client is owned by the
// Client facade (and therefore closed by Close).
func makeRedisClient(ctx context.Context, opts ClientOpts) (redis.UniversalClient, bool, error) {
	if opts.Redis != nil {
		return opts.Redis, false, nil
	}
	if opts.RedisURL != "" {
		c, err := clientFromURL(opts)
		if err != nil {
			return nil, false, err
		}
		return c, true, nil
	}
	if opts.Cluster {
		c, err := clusterClient(ctx, opts)
		if err != nil {
			return nil, false, err
		}
		return c, true, nil
	}
	return standaloneClient(opts, opts.Host, opts.Port), true, nil
}

func clientFromURL(opts ClientOpts) (redis.UniversalClient, error) {
	u, err := url.Parse(opts.RedisURL)
	if err != nil {
		return nil, errors.E(errors.Config, fmt.Sprintf("cannot parse redis url: %v", err))
	}
	if u.Scheme != "redis" && u.Scheme != "rediss" {
		return nil, errors.E(errors.Config, fmt.Sprintf("unsupported redis url scheme: %q", u.Scheme))
	}
	var db int
	if len(u.Path) > 0 {
		segments := strings.Split(strings.Trim(u.Path, "/"), "/")
		db, err = strconv.Atoi(segments[0])
		if err != nil {
			return nil, errors.E(errors.Config, "database number should be the first segment of the redis url path")
		}
	}
	ropts := &redis.Options{
		Addr:         u.Host,
		Username:     u.User.Username(),
		DB:           db,
		DialTimeout:  opts.SocketConnectTimeout,
		ReadTimeout:  opts.SocketTimeout,
		WriteTimeout: opts.SocketTimeout,
	}
	if password, ok := u.User.Password(); ok {
		ropts.Password = password
	}
	if u.Scheme == "rediss" {
		host, _, err := net.SplitHostPort(u.Host)
		if err != nil {
			host = u.Host
		}
		ropts.TLSConfig = &tls.Config{ServerName: host}
	}
	return redis.NewClient(ropts), nil
}

func standaloneClient(opts ClientOpts, host string, port int) redis.UniversalClient {
	if host == "" {
		host = "127.0.0.1"
	}
	if port == 0 {
		port = 6379
	}
	ropts := &redis.Options{
		Addr:         net.JoinHostPort(host, strconv.Itoa(port)),
		Username:     opts.Username,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.SocketConnectTimeout,
		ReadTimeout:  opts.SocketTimeout,
		WriteTimeout: opts.SocketTimeout,
	}
	if opts.SSL {
		ropts.TLSConfig = &tls.Config{ServerName: host}
	}
	return redis.NewClient(ropts)
}

// clusterClient dials the configured cluster nodes. When the first probe
// shows the server rejecting cluster commands, it falls back to a
// standalone connection against the first node.
func clusterClient(ctx context.Context, opts ClientOpts) (redis.UniversalClient, error) {
	if len(opts.ClusterNodes) == 0 {
		return nil, errors.E(errors.Config, "cluster mode requires at least one cluster node")
	}
	addrs := make([]string, 0, len(opts.ClusterNodes))
	for _, node := range opts.ClusterNodes {
		addrs = append(addrs, net.JoinHostPort(node.Host, strconv.Itoa(node.Port)))
	}
	ropts := &redis.ClusterOptions{
		Addrs:        addrs,
		Username:     opts.Username,
		Password:     opts.Password,
		DialTimeout:  opts.SocketConnectTimeout,
		ReadTimeout:  opts.SocketTimeout,
		WriteTimeout: opts.SocketTimeout,
	}
	if opts.SSL {
		ropts.TLSConfig = &tls.Config{}
	}
	cc := redis.NewClusterClient(ropts)
	err := cc.Ping(ctx).Err()
	if err == nil {
		return cc, nil
	}
	if !isClusterUnsupported(err) {
		cc.Close()
		return nil, errors.E(errors.Config, fmt.Sprintf("cannot reach cluster: %v", err))
	}
	cc.Close()
	node := opts.ClusterNodes[0]
	return standaloneClient(opts, node.Host, node.Port), nil
}
