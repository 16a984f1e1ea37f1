package main

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	driver "github.com/go-sql-driver/mysql"
	"github.com/jessevdk/go-flags"

	"github.com/streamweld/streamweld/binlog"
	"github.com/streamweld/streamweld/config"
	"github.com/streamweld/streamweld/denorm"
	"github.com/streamweld/streamweld/remote"
	"github.com/streamweld/streamweld/types"
	"github.com/streamweld/streamweld/util"
)

var version string

func parseOptions(args []string) (string, bool) {
	var opts struct {
		Config  string `short:"c" long:"config" description:"Engine configuration file" value-name:"config_file" default:"streamweld.yml"`
		DryRun  bool   `long:"dry-run" description:"Run against an in-memory store instead of the configured remote"`
		Help    bool   `long:"help" description:"Show this help"`
		Version bool   `long:"version" description:"Show this version"`
	}

	parser := flags.NewParser(&opts, flags.None)
	parser.Usage = "[options]"
	if _, err := parser.ParseArgs(args); err != nil {
		log.Fatal(err)
	}

	if opts.Help {
		parser.WriteHelp(os.Stdout)
		os.Exit(0)
	}
	if opts.Version {
		fmt.Println(version)
		os.Exit(0)
	}

	return opts.Config, opts.DryRun
}

func buildDSN(cfg config.SourceConfig) string {
	c := driver.NewConfig()
	c.User = cfg.User
	c.Passwd = cfg.Password
	c.DBName = cfg.Database
	c.Net = "tcp"
	c.Addr = cfg.Addr()
	return c.FormatDSN()
}

func main() {
	util.InitSlog()
	configPath, dryRun := parseOptions(os.Args[1:])

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, dryRun); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cfg config.Config, dryRun bool) error {
	db, err := sql.Open("mysql", buildDSN(cfg.Source))
	if err != nil {
		return &binlog.ConnectionFailureError{Addr: cfg.Source.Addr(), Err: err}
	}
	defer db.Close()

	format, err := binlog.Format(db)
	if err != nil {
		return err
	}
	if !strings.EqualFold(format, "ROW") {
		return fmt.Errorf("binlog_format must be ROW, got %s", format)
	}

	position, err := binlog.MasterPosition(db)
	if err != nil {
		return err
	}
	slog.Info("starting ingestion", "filename", string(position.Filename), "position", position.Position)

	helper := &binlog.MySQLSchemaHelper{DB: db}
	selections := util.TransformSlice(cfg.Tables, func(t config.TableConfig) binlog.TableSelection {
		return binlog.TableSelection{Database: t.Database, Name: t.Name, Columns: t.Columns}
	})
	tables, err := helper.LoadTables(ctx, selections)
	if err != nil {
		return err
	}

	sinkTables := make([]denorm.TableWithSchema, 0, len(cfg.Sinks))
	for _, sinkConfig := range cfg.Sinks {
		table := findTable(tables, sinkConfig.SourceTableName)
		if table == nil {
			return fmt.Errorf("sink %s.%s references unknown source table %q",
				sinkConfig.Namespace, sinkConfig.SetName, sinkConfig.SourceTableName)
		}
		sinkTables = append(sinkTables, denorm.TableWithSchema{
			Config: sinkConfig,
			Schema: tableSchema(table),
		})
	}
	state, err := denorm.NewState(sinkTables)
	if err != nil {
		return err
	}
	state.SetBatchCapacity(cfg.Remote.BatchSize)

	var client remote.Client
	if dryRun {
		client = remote.NewMemClient(0)
	} else {
		// Remote store drivers are provided by the embedding application;
		// the in-memory store doubles as the default.
		client = remote.NewMemClient(0)
		slog.Warn("no remote store driver configured, using the in-memory store", "hosts", cfg.Remote.Hosts)
	}

	done := make(chan struct{})
	defer close(done)
	sink := binlog.NewChannelSink(len(tables), done)
	ingestor := binlog.NewIngestor(sink, binlog.SourceConfig{
		Host:     cfg.Source.Host,
		Port:     cfg.Source.Port,
		User:     cfg.Source.User,
		Password: cfg.Source.Password,
	}, cfg.Source.ServerID, position, nil)

	ingestErr := make(chan error, 1)
	go func() {
		ingestErr <- ingestor.Run(ctx, tables, helper)
	}()

	portBySource := make(map[string]int, len(sinkTables))
	for port, st := range sinkTables {
		portBySource[st.Config.SourceTableName] = port
	}

	for {
		select {
		case err := <-ingestErr:
			return err
		case msg := <-sink.C:
			switch m := msg.(type) {
			case binlog.SnapshottingStarted:
			case binlog.OperationEvent:
				port, ok := portBySource[tables[m.TableIndex].TableName]
				if !ok {
					continue
				}
				if err := state.Process(types.TableOperation{ID: m.ID, Port: port, Op: m.Op}); err != nil {
					return err
				}
			case binlog.SnapshottingDone:
				state.Commit()
				if err := state.Persist(ctx, client); err != nil {
					return err
				}
			}
		}
	}
}

func findTable(tables []*binlog.TableDefinition, name string) *binlog.TableDefinition {
	for _, td := range tables {
		if td.TableName == name {
			return td
		}
	}
	return nil
}

func tableSchema(td *binlog.TableDefinition) types.Schema {
	var schema types.Schema
	for _, col := range td.Columns {
		schema.Field(types.FieldDefinition{
			Name:     col.Name,
			Type:     col.Type,
			Nullable: col.Nullable,
			Source: types.SourceDefinition{
				Kind: types.SourceTable,
				Name: td.TableName,
			},
		}, false)
	}
	return schema
}
