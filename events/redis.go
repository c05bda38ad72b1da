package events

import (
	"errors"

	"github.com/gosexy/redis"

	"github.com/gleez/mailer/log"
)

// RedisStore publishes delivery events to a redis channel and subscribes
// to the same channel for events from other daemons.
type RedisStore struct {
	server string
	port   uint
	pool   redisPool
}

// connection pool implimentation
type redisPool struct {
	connections chan *redis.Client
	maxIdle     int
	connFn      func() (*redis.Client, error) // function to create new connection.
}

func newRedisStore(redis_host string, redis_port uint) *RedisStore {

	return &RedisStore{
		redis_host,
		redis_port,

		redisPool{
			connections: make(chan *redis.Client, 6),
			maxIdle:     6,

			connFn: func() (*redis.Client, error) {
				client := redis.New()
				err := client.Connect(redis_host, redis_port)

				if err != nil {
					log.LogError("Redis connect failed: %s", err.Error())
					return nil, err
				}

				return client, nil
			},
		},
	}

}

func (this *redisPool) Get() (*redis.Client, bool) {

	var conn *redis.Client
	select {
	case conn = <-this.connections:
	default:
		conn, err := this.connFn()
		if err != nil {
			return nil, false
		}

		return conn, true
	}

	if err := this.testConn(conn); err != nil {
		return this.Get() // if connection is bad, get the next one in line until base case is hit, then create new client
	}

	return conn, true
}

func (this *redisPool) Close(conn *redis.Client) {
	select {
	case this.connections <- conn:
		return
	default:
		conn.Quit()
	}
}

func (this *redisPool) testConn(conn *redis.Client) error {
	if _, err := conn.Ping(); err != nil {
		conn.Quit()
		return err
	}

	return nil
}

func (this *RedisStore) GetConn() (*redis.Client, error) {

	client, ok := this.pool.Get()
	if !ok {
		return nil, errors.New("Error while getting redis connection")
	}

	return client, nil
}

func (this *RedisStore) CloseConn(conn *redis.Client) {
	this.pool.Close(conn)
}

// Subscribe opens a dedicated consumer connection; published messages
// arrive on c as []string{"message", channel, payload}.
func (this *RedisStore) Subscribe(c chan []string, channel string) (*redis.Client, error) {
	consumer := redis.New()
	err := consumer.ConnectNonBlock(this.server, this.port)
	if err != nil {
		return nil, err
	}

	if _, err := consumer.Ping(); err != nil {
		return nil, err
	}

	go consumer.Subscribe(c, channel)
	<-c // ignore subscribe command

	return consumer, nil
}

func (this *RedisStore) Publish(channel string, message string) {
	publisher, err := this.GetConn()
	if err != nil {
		return
	}
	defer this.CloseConn(publisher)

	publisher.Publish(channel, message)
}
