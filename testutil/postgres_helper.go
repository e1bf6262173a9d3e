package testutil

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/go-connections/nat"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcexec "github.com/testcontainers/testcontainers-go/exec"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"initsync/internal/config"
)

type PostgresHelper struct {
	Container *postgres.PostgresContainer
	Config    *config.Postgres
	hostPort  int
}

// NewPostgresContainer starts a postgres container bound to a reserved host
// port, so the container keeps its address across Stop/Start.
func NewPostgresContainer(t require.TestingT, ctx context.Context) (*PostgresHelper, error) {
	dbUser := "testuser"
	dbPassword := "testpassword"
	dbName := "test_db"

	hostPort, err := getPortManager().reservePort()
	require.NoError(t, err, "Failed to reserve a host port")

	pgContainer, err := postgres.Run(ctx,
		"postgres:15-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		postgres.WithSQLDriver("pgx"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(1*time.Minute),
			wait.ForExposedPort().WithStartupTimeout(1*time.Minute),
		),
		testcontainers.WithHostConfigModifier(func(hostConfig *container.HostConfig) {
			hostConfig.PortBindings = nat.PortMap{
				nat.Port("5432/tcp"): []nat.PortBinding{{HostPort: strconv.Itoa(hostPort)}},
			}
		}),
	)
	if err != nil {
		getPortManager().releasePort(hostPort)
		return nil, fmt.Errorf("failed to start PostgreSQL container: %w", err)
	}

	host, err := pgContainer.Host(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get host: %w", err)
	}

	portNat, err := pgContainer.MappedPort(ctx, "5432/tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to get mapped port: %w", err)
	}

	port, err := strconv.Atoi(portNat.Port())
	if err != nil {
		return nil, fmt.Errorf("failed to convert port to integer: %w", err)
	}

	return &PostgresHelper{
		Container: pgContainer,
		Config: &config.Postgres{
			Address:  host,
			Port:     port,
			Username: dbUser,
			Password: dbPassword,
			DBName:   dbName,
			SSLMode:  "disable",
		},
		hostPort: hostPort,
	}, nil
}

// ExecutePsqlCommand runs a single SQL statement through psql inside the
// container and returns its output.
func (p *PostgresHelper) ExecutePsqlCommand(ctx context.Context, command string) (string, error) {
	cmd := []string{
		"psql", "-U", p.Config.Username, "-d", p.Config.DBName,
		"-t", "-A", "-c", command,
	}
	exitCode, reader, err := p.Container.Exec(ctx, cmd, tcexec.Multiplexed())
	if err != nil {
		return "", fmt.Errorf("failed to execute psql command: %w", err)
	}

	out, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read psql output: %w", err)
	}
	if exitCode != 0 {
		return string(out), fmt.Errorf("psql exited with code %d: %s", exitCode, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

func (p *PostgresHelper) Terminate(ctx context.Context) error {
	if p.Container == nil {
		return nil
	}
	defer getPortManager().releasePort(p.hostPort)
	return p.Container.Terminate(ctx)
}

func (p *PostgresHelper) Stop(ctx context.Context, timeout *time.Duration) error {
	if p.Container != nil {
		return p.Container.Stop(ctx, timeout)
	}
	return nil
}

func (p *PostgresHelper) Start(ctx context.Context) error {
	if p.Container != nil {
		return p.Container.Start(ctx)
	}
	return nil
}
