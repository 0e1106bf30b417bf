package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/Shivanand-hulikatti/campus-booking/internal/config"
	"github.com/Shivanand-hulikatti/campus-booking/internal/database"
	"github.com/Shivanand-hulikatti/campus-booking/internal/gateway"
	"github.com/Shivanand-hulikatti/campus-booking/internal/handler"
	"github.com/Shivanand-hulikatti/campus-booking/internal/memstore"
	"github.com/Shivanand-hulikatti/campus-booking/internal/model"
	"github.com/Shivanand-hulikatti/campus-booking/internal/notify"
	"github.com/Shivanand-hulikatti/campus-booking/internal/policy"
	"github.com/Shivanand-hulikatti/campus-booking/internal/repository"
	"github.com/Shivanand-hulikatti/campus-booking/internal/service"
	"github.com/Shivanand-hulikatti/campus-booking/internal/sweeper"
)

type resourceCreator interface {
	Create(ctx context.Context, res *model.Resource) error
}

type payerCreator interface {
	Create(ctx context.Context, p *model.Payer) error
}

// app holds the wired dependencies shared by the subcommands.
type app struct {
	cfg *config.Config
	log *zap.Logger

	pool     *pgxpool.Pool
	stores   service.Stores
	holds    sweeper.HoldReleaser
	gateway  gateway.Client
	webhooks handler.WebhookVerifier
	notifier *notify.Fanout

	resources resourceCreator
	payers    payerCreator
}

// newApp connects the store, the gateway and the notifiers selected by cfg.
func newApp(ctx context.Context, cfg *config.Config, log *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, log: log}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	a.openGateway()
	if err := a.openNotifiers(ctx); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.Store {
	case config.StoreMemory:
		store := memstore.New()
		a.stores = service.Stores{
			Resources:    store.Resources(),
			Payers:       store.Payers(),
			Reservations: store.Reservations(),
			Wallets:      store.Wallets(),
			Records:      store.Records(),
		}
		a.holds = store.Reservations()
		a.resources = store.Resources()
		a.payers = store.Payers()
		a.log.Warn("using in-memory store; state is lost on exit")
		return nil
	default:
		pool, err := database.NewPool(ctx, a.cfg.Database, a.log)
		if err != nil {
			return fmt.Errorf("database: %w", err)
		}
		a.pool = pool
		a.log.Info("connected to PostgreSQL",
			zap.String("host", a.cfg.Database.Host),
			zap.String("database", a.cfg.Database.Name),
		)

		if a.cfg.Database.AutoMigrate {
			if err := database.Migrate(ctx, pool); err != nil {
				pool.Close()
				return err
			}
			a.log.Info("schema migrated")
		}

		reservations := repository.NewReservationRepository(pool)
		resources := repository.NewResourceRepository(pool)
		payers := repository.NewPayerRepository(pool)
		a.stores = service.Stores{
			Resources:    resources,
			Payers:       payers,
			Reservations: reservations,
			Wallets:      repository.NewWalletRepository(pool),
			Records:      repository.NewPaymentRecordRepository(pool),
		}
		a.holds = reservations
		a.resources = resources
		a.payers = payers
		return nil
	}
}

func (a *app) openGateway() {
	gw := a.cfg.Gateway
	if gw.Provider == config.GatewayFake {
		fake := gateway.NewFake()
		fake.AutoSettle = true
		a.gateway = fake
		a.log.Warn("using fake payment gateway; card intents settle immediately")
		return
	}

	stripeGW := gateway.NewStripeGateway(gateway.StripeConfig{
		SecretKey:     gw.SecretKey,
		WebhookSecret: gw.WebhookSecret,
		APIURL:        gw.APIURL,
	}, a.log.Named("stripe"))
	if !stripeGW.Configured() {
		a.log.Warn("gateway.secret_key is empty; card payments will fail with gateway unavailable")
	}
	a.gateway = stripeGW
	if gw.WebhookSecret != "" {
		a.webhooks = stripeGW
	}
}

func (a *app) openNotifiers(ctx context.Context) error {
	n := a.cfg.Notify
	var notifiers []notify.Notifier

	for _, backend := range n.Backends {
		switch backend {
		case config.NotifyLog:
			notifiers = append(notifiers, notify.NewLogNotifier(a.log.Named("receipts")))
		case config.NotifyEmail:
			if n.SMTP.Host == "" {
				return errors.New("notify.smtp.host is required for the email backend")
			}
			notifiers = append(notifiers,
				notify.NewEmailNotifier(n.SMTP.Host, n.SMTP.Port, n.SMTP.Username, n.SMTP.Password, n.SMTP.From).
					WithRefundWindow(a.cfg.Policy.RefundWindow))
		case config.NotifyRedis:
			rn, err := notify.DialRedis(ctx, n.Redis.Addr, n.Redis.Password, n.Redis.DB, n.Redis.Channel)
			if err != nil {
				_ = notify.NewFanout(notifiers...).Close()
				return err
			}
			notifiers = append(notifiers, rn)
		case config.NotifyAMQP:
			an, err := notify.DialAMQP(n.AMQP.URL, n.AMQP.Exchange)
			if err != nil {
				_ = notify.NewFanout(notifiers...).Close()
				return err
			}
			notifiers = append(notifiers, an)
		}
		a.log.Info("receipt backend enabled", zap.String("backend", backend))
	}

	if len(notifiers) == 0 {
		notifiers = append(notifiers, notify.NewLogNotifier(a.log.Named("receipts")))
	}
	a.notifier = notify.NewFanout(notifiers...)
	return nil
}

// transactions builds the orchestrator from the wired dependencies.
func (a *app) transactions() *service.TransactionService {
	return service.NewTransactionService(a.stores, a.gateway, a.notifier, a.log, service.Config{
		Currency: a.cfg.Gateway.Currency,
		Refunds:  policy.NewRefunds(a.cfg.Policy.RefundWindow),
	})
}

// seedDemo creates one resource and one payer so the API can be tried out
// against an empty store.
func (a *app) seedDemo(ctx context.Context) error {
	res := &model.Resource{
		Kind:      model.ResourceWorkshop,
		Title:     "Demo Workshop",
		Price:     decimal.NewFromInt(80),
		Currency:  a.cfg.Gateway.Currency,
		Capacity:  25,
		StartTime: time.Now().UTC().Add(30 * 24 * time.Hour),
	}
	if err := a.resources.Create(ctx, res); err != nil {
		return fmt.Errorf("seed resource: %w", err)
	}
	payer := &model.Payer{
		Email:         "demo@campus.example",
		Name:          "Demo Student",
		WalletBalance: decimal.NewFromInt(50),
	}
	if err := a.payers.Create(ctx, payer); err != nil {
		return fmt.Errorf("seed payer: %w", err)
	}
	a.log.Info("demo data seeded",
		zap.String("resource_id", res.ID.String()),
		zap.String("payer_id", payer.ID.String()),
	)
	return nil
}

// Close releases connections in reverse order of opening.
func (a *app) Close() {
	if a.notifier != nil {
		if err := a.notifier.Close(); err != nil {
			a.log.Warn("close notifiers", zap.Error(err))
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}
