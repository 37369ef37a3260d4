// Package demo holds the service the spirpc command serves and calls.
package demo

import (
	"context"
	"errors"
	"fmt"

	"spi-rpc/provider"
)

const (
	Interface = "demo.HelloService"
	Group     = "test2"
	Version   = "version2"
)

type Hello struct {
	Message     string `json:"message"`
	Description string `json:"description"`
}

type HelloService struct{}

func (HelloService) Hello(ctx context.Context, h Hello) (string, error) {
	if h.Message == "" {
		return "", errors.New("hello: empty message")
	}
	return fmt.Sprintf("Hello description is %s", h.Description), nil
}

// Config is the service configuration under which HelloService is exposed.
func Config() provider.ServiceConfig {
	return provider.ServiceConfig{Interface: Interface, Group: Group, Version: Version, Service: HelloService{}}
}
