package runstate

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

const (
	defaultRedisKey     = "visreg:runs"
	defaultRedisTimeout = 5 * time.Second
)

// createScript inserts a record and its version only if the id is new.
// KEYS: records hash, versions hash. ARGV: id, version, record.
const createScript = `if redis.call('HSETNX', KEYS[1], ARGV[1], ARGV[3]) == 0 then return 0 end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
return 1`

// casScript replaces a record if its stored version matches.
// KEYS: records hash, versions hash. ARGV: id, expected, next version, record.
// Returns -1 for unknown ids, 0 on conflict and 1 on success.
const casScript = `local cur = redis.call('HGET', KEYS[2], ARGV[1])
if not cur then return -1 end
if cur ~= ARGV[2] then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[4])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[3])
return 1`

// RedisConfig configures a Redis-backed store.
type RedisConfig struct {
	Host     string
	Port     string
	DB       int
	Password string
	Key      string
	Timeout  time.Duration
}

// RedisStore implements Store using a minimal RESP client. Records live in
// one hash, their versions in a second hash; both are updated by Lua scripts
// so a swap is atomic on the server.
type RedisStore struct {
	addr        string
	password    string
	db          int
	key         string
	versionsKey string
	timeout     time.Duration
}

// NewRedisStore creates a store backed by Redis.
func NewRedisStore(cfg RedisConfig) (*RedisStore, error) {
	if strings.TrimSpace(cfg.Host) == "" {
		return nil, fmt.Errorf("redis host is required")
	}
	port := cfg.Port
	if port == "" {
		port = "6379"
	}
	key := cfg.Key
	if key == "" {
		key = defaultRedisKey
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultRedisTimeout
	}
	return &RedisStore{
		addr:        net.JoinHostPort(cfg.Host, port),
		password:    cfg.Password,
		db:          cfg.DB,
		key:         key,
		versionsKey: key + ":versions",
		timeout:     timeout,
	}, nil
}

func (s *RedisStore) Close() error {
	return nil
}

func (s *RedisStore) Create(ctx context.Context, rec RunRecord) error {
	if rec.ID == "" {
		return errors.New("run id must not be empty")
	}
	data, err := encodeRecord(rec)
	if err != nil {
		return err
	}
	return s.withConn(ctx, func(conn *redisConn) error {
		reply, err := conn.do("EVAL", createScript, "2", s.key, s.versionsKey, rec.ID, strconv.FormatInt(rec.Version, 10), string(data))
		if err != nil {
			return fmt.Errorf("create run: %w", err)
		}
		if n, ok := reply.(int64); !ok || n != 1 {
			return fmt.Errorf("%w: %s", ErrExists, rec.ID)
		}
		return nil
	})
}

func (s *RedisStore) Get(ctx context.Context, id string) (RunRecord, error) {
	var rec RunRecord
	err := s.withConn(ctx, func(conn *redisConn) error {
		reply, err := conn.do("HGET", s.key, id)
		if err != nil {
			return err
		}
		switch v := reply.(type) {
		case nil:
			return fmt.Errorf("%w: %s", ErrNotFound, id)
		case string:
			rec, err = decodeRecord([]byte(v))
			return err
		default:
			return fmt.Errorf("unexpected response type %T", v)
		}
	})
	return rec, err
}

func (s *RedisStore) CompareAndSwap(ctx context.Context, expected int64, next RunRecord) error {
	if err := checkNext(expected, next); err != nil {
		return err
	}
	data, err := encodeRecord(next)
	if err != nil {
		return err
	}
	return s.withConn(ctx, func(conn *redisConn) error {
		reply, err := conn.do("EVAL", casScript, "2", s.key, s.versionsKey,
			next.ID, strconv.FormatInt(expected, 10), strconv.FormatInt(next.Version, 10), string(data))
		if err != nil {
			return fmt.Errorf("swap run: %w", err)
		}
		n, ok := reply.(int64)
		if !ok {
			return fmt.Errorf("unexpected response type %T", reply)
		}
		switch n {
		case 1:
			return nil
		case -1:
			return fmt.Errorf("%w: %s", ErrNotFound, next.ID)
		default:
			return fmt.Errorf("%w: %s expected version %d", ErrVersionConflict, next.ID, expected)
		}
	})
}

func (s *RedisStore) List(ctx context.Context) ([]RunRecord, error) {
	var records []RunRecord
	err := s.withConn(ctx, func(conn *redisConn) error {
		reply, err := conn.do("HGETALL", s.key)
		if err != nil {
			return err
		}
		arr, ok := reply.([]interface{})
		if !ok {
			return nil
		}
		for i := 0; i+1 < len(arr); i += 2 {
			value, ok := arr[i+1].(string)
			if !ok {
				continue
			}
			rec, err := decodeRecord([]byte(value))
			if err != nil {
				continue
			}
			records = append(records, rec)
		}
		return nil
	})
	sortRecords(records)
	return records, err
}

func (s *RedisStore) withConn(ctx context.Context, fn func(*redisConn) error) error {
	conn, err := newRedisConn(ctx, s.addr, s.timeout)
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := conn.initialize(s.password, s.db); err != nil {
		return err
	}
	return fn(conn)
}

type redisConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

func newRedisConn(ctx context.Context, addr string, timeout time.Duration) (*redisConn, error) {
	dialer := &net.Dialer{Timeout: timeout}
	c, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.SetDeadline(deadline); err != nil {
		c.Close()
		return nil, err
	}
	return &redisConn{
		conn:   c,
		reader: bufio.NewReader(c),
		writer: bufio.NewWriter(c),
	}, nil
}

func (c *redisConn) initialize(password string, db int) error {
	if password != "" {
		if _, err := c.do("AUTH", password); err != nil {
			return err
		}
	}
	if db != 0 {
		if _, err := c.do("SELECT", strconv.Itoa(db)); err != nil {
			return err
		}
	}
	return nil
}

func (c *redisConn) do(cmd string, args ...string) (interface{}, error) {
	if err := c.send(cmd, args...); err != nil {
		return nil, err
	}
	return c.read()
}

func (c *redisConn) send(cmd string, args ...string) error {
	if _, err := fmt.Fprintf(c.writer, "*%d\r\n", len(args)+1); err != nil {
		return err
	}
	if err := writeBulk(c.writer, strings.ToUpper(cmd)); err != nil {
		return err
	}
	for _, arg := range args {
		if err := writeBulk(c.writer, arg); err != nil {
			return err
		}
	}
	return c.writer.Flush()
}

func writeBulk(w *bufio.Writer, value string) error {
	if _, err := fmt.Fprintf(w, "$%d\r\n%s\r\n", len(value), value); err != nil {
		return err
	}
	return nil
}

func (c *redisConn) read() (interface{}, error) {
	return readReply(c.reader)
}

func readReply(r *bufio.Reader) (interface{}, error) {
	prefix, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch prefix {
	case '+':
		return readLine(r)
	case '-':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return nil, errors.New(line)
	case ':':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		return strconv.ParseInt(line, 10, 64)
	case '$':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		length, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if length == -1 {
			return nil, nil
		}
		buf := make([]byte, length+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		return string(buf[:length]), nil
	case '*':
		line, err := readLine(r)
		if err != nil {
			return nil, err
		}
		count, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if count == -1 {
			return nil, nil
		}
		items := make([]interface{}, 0, count)
		for i := 0; i < count; i++ {
			item, err := readReply(r)
			if err != nil {
				return nil, err
			}
			items = append(items, item)
		}
		return items, nil
	default:
		return nil, fmt.Errorf("unexpected redis prefix %q", prefix)
	}
}

func readLine(r *bufio.Reader) (string, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return "", err
	}
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return line, nil
}

func (c *redisConn) Close() error {
	return c.conn.Close()
}
