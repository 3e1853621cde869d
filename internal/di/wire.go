//go:build wireinject

package di

import (
	"context"

	"github.com/google/wire"

	"github.com/sandeepkv93/session-auth-gateway/internal/app"
	"github.com/sandeepkv93/session-auth-gateway/internal/gateway"
	"github.com/sandeepkv93/session-auth-gateway/internal/tokenclient"
)

var commonSet = wire.NewSet(
	provideConfig,
	provideTelemetry,
	provideLogger,
	provideRuntime,
)

var gatewaySet = wire.NewSet(
	provideTokenClient,
	wire.Bind(new(gateway.TokenService), new(*tokenclient.Client)),
	wire.Bind(new(gateway.Refresher), new(*tokenclient.Client)),
	wire.Bind(new(gateway.SessionIssuer), new(*tokenclient.Client)),
	provideRedisClient,
	provideRotationStore,
	provideCoordinator,
	wire.Bind(new(gateway.RefreshAttempter), new(*gateway.Coordinator)),
	provideGateway,
	provideIDTokenVerifier,
	provideHandlers,
	provideReadiness,
	provideSessionRateLimiter,
	provideRouter,
	provideServer,
	provideApp,
)

var devBackendSet = wire.NewSet(
	provideDevBackendService,
	provideDevBackendApp,
)

func InitializeApp(ctx context.Context) (*app.App, func(), error) {
	wire.Build(commonSet, gatewaySet)
	return nil, nil, nil
}

func InitializeDevBackend(ctx context.Context) (*app.App, func(), error) {
	wire.Build(commonSet, devBackendSet)
	return nil, nil, nil
}
