// Package tcp 提供行分隔的只读事件旁路：客户端发一行 JWT 完成认证，
// 之后服务端把该用户投递通道的事件按行推送。调试与弱环境兜底用。
package tcp

import (
	"bufio"
	"context"
	"log"
	"net"
	"strings"

	"go-callkit/internal/auth"
	"go-callkit/internal/cache"
)

type Server struct {
	Addr      string
	JWTSecret string
}

func (s *Server) Start(ctx context.Context) error {
	if s.Addr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", s.Addr)
	if err != nil {
		return err
	}
	log.Printf("TCP tap listening: addr=%s", s.Addr)
	go func() { <-ctx.Done(); ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, c net.Conn) {
	defer c.Close()
	reader := bufio.NewReader(c)
	line, _ := reader.ReadString('\n')
	line = strings.TrimSpace(line)
	cl, err := auth.ParseJWT(s.JWTSecret, line)
	if err != nil {
		return
	}
	sub := cache.Client().Subscribe(ctx, cache.DeliverChannel(cl.UserID))
	defer sub.Close()
	for {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		c.Write([]byte(msg.Payload))
		c.Write([]byte("\n"))
	}
}
