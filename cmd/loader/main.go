package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/citydb-services/internal/config"
	"github.com/citydb-services/internal/db"
	"github.com/citydb-services/internal/ingest"
	"github.com/citydb-services/internal/logging"
	"github.com/citydb-services/internal/table"
	"github.com/citydb-services/internal/web"
)

func main() {
	config.LoadEnv()

	rootCmd := &cobra.Command{
		Use:   "loader",
		Short: "City services insertion pipeline",
		Long:  `Loads tabular files of urban services and reconciles them against the city database of physical objects and buildings`,
	}

	rootCmd.AddCommand(createInsertCmd())
	rootCmd.AddCommand(createPreviewCmd())
	rootCmd.AddCommand(createServeCmd())
	rootCmd.AddCommand(createPingCmd())
	rootCmd.AddCommand(createPropertiesKeysCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

// documentFlags holds the column mapping flags shared by insert and preview.
type documentFlags struct {
	name         string
	openingHours string
	website      string
	phone        string
	address      string
	capacity     string
	externalID   string
	latitude     string
	longitude    string
	geometry     string

	properties []string
	prefixes   []string
	newPrefix  string
}

func (d *documentFlags) register(cmd *cobra.Command) {
	def := ingest.DefaultMapping()
	flags := cmd.Flags()
	flags.StringVar(&d.name, "document-name", def.Name, "name column of the document")
	flags.StringVar(&d.openingHours, "document-opening-hours", def.OpeningHours, "opening hours column of the document")
	flags.StringVar(&d.website, "document-website", def.Website, "website column of the document")
	flags.StringVar(&d.phone, "document-phone", def.Phone, "phone column of the document")
	flags.StringVar(&d.address, "document-address", def.Address, "address column of the document")
	flags.StringVar(&d.capacity, "document-capacity", def.Capacity, "capacity column of the document")
	flags.StringVar(&d.externalID, "document-id", def.ExternalID, "external identifier column of the document")
	flags.StringVar(&d.latitude, "document-latitude", def.Latitude, "latitude column of the document")
	flags.StringVar(&d.longitude, "document-longitude", def.Longitude, "longitude column of the document")
	flags.StringVar(&d.geometry, "document-geometry", def.Geometry, "geometry (GeoJSON) column of the document")
	flags.StringSliceVar(&d.properties, "properties", nil, `extra properties document entries as "key:column" pairs`)
	flags.StringSliceVar(&d.prefixes, "address-prefix", nil,
		fmt.Sprintf("allowed address prefixes, stripped before matching (default %q)", ingest.DefaultAddressPrefix))
	flags.StringVar(&d.newPrefix, "new-address-prefix", "", "prefix prepended to the addresses of newly created buildings")
}

func (d *documentFlags) mapping() ingest.Mapping {
	return ingest.NewMapping(ingest.Mapping{
		Name:         d.name,
		OpeningHours: d.openingHours,
		Website:      d.website,
		Phone:        d.phone,
		Address:      d.address,
		Capacity:     d.capacity,
		ExternalID:   d.externalID,
		Latitude:     d.latitude,
		Longitude:    d.longitude,
		Geometry:     d.geometry,
	})
}

func (d *documentFlags) propertiesMapping() (map[string]string, error) {
	if len(d.properties) == 0 {
		return nil, nil
	}
	props := make(map[string]string, len(d.properties))
	for _, pair := range d.properties {
		key, column, ok := strings.Cut(pair, ":")
		if !ok || key == "" || column == "" {
			return nil, fmt.Errorf("invalid properties pair %q, expected \"key:column\"", pair)
		}
		props[key] = column
	}
	return props, nil
}

// warnMissingColumns reports mapped columns absent from the document so the
// caller can spot typos before a long run.
func warnMissingColumns(log *zap.SugaredLogger, tbl *table.Table, mapping ingest.Mapping, properties map[string]string) {
	for field, column := range mapping.Columns() {
		if !tbl.HasColumn(column) {
			log.Warnf("column %q mapped to %s is missing in the document", column, field)
		}
	}
	for key, column := range properties {
		if !tbl.HasColumn(column) {
			log.Warnf("column %q mapped to property %q is missing in the document", column, key)
		}
	}
}

func connect(log *zap.SugaredLogger) *db.Connection {
	cfg := config.DatabaseFromEnv()
	conn, err := db.NewConnection(cfg)
	if err != nil {
		log.Fatalf("connecting to %s: %v", cfg.Addr(), err)
	}
	return conn
}

// askKeepChanges prompts on the terminal after an interrupt in commit mode.
func askKeepChanges(stats ingest.Stats) bool {
	fmt.Printf("%d services are already added or updated. Keep the changes? (y/[n]): ",
		stats.Added()+stats.Updated)
	answer, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return false
	}
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

// saveReport writes the augmented table next to the input. A failed write is
// retried once under a fallback CSV name so a finished run is never lost.
func saveReport(log *zap.SugaredLogger, tbl *table.Table, filename, sheet string) {
	if filename == "" {
		filename = fmt.Sprintf("insertion_%s.xlsx", time.Now().Format("2006-01-02_15-04-05"))
	}
	if err := writeReport(tbl, filename, sheet); err != nil {
		log.Errorf("saving results to %q: %v", filename, err)
		fallback := fmt.Sprintf("insertion_%d.csv", time.Now().Unix())
		if err := table.WriteCSV(tbl, fallback); err != nil {
			log.Errorf("saving results to fallback %q: %v", fallback, err)
			return
		}
		filename = fallback
	}
	log.Infof("results saved to %q", filename)
}

func writeReport(tbl *table.Table, filename, sheet string) error {
	if strings.EqualFold(filepath.Ext(filename), ".xlsx") {
		return table.WriteXLSX(tbl, filename, sheet)
	}
	return table.WriteCSV(tbl, filename)
}

// createInsertCmd creates the insert subcommand
func createInsertCmd() *cobra.Command {
	var (
		city        string
		serviceType string
		logFile     string
		outFile     string
		dryRun      bool
		verbose     bool
		logEvery    int
		doc         documentFlags
	)

	cmd := &cobra.Command{
		Use:   "insert [filename]",
		Short: "Insert services from a tabular document",
		Long:  `Insert services from a csv, json, geojson or xlsx document, matching each row to an existing building or physical object before creating a new one`,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			log, err := logging.New(verbose, logFile)
			if err != nil {
				fmt.Printf("logging setup failed: %v\n", err)
				os.Exit(1)
			}

			properties, err := doc.propertiesMapping()
			if err != nil {
				log.Fatalf("properties flags: %v", err)
			}

			tbl, err := table.Load(args[0], nil, nil)
			if err != nil {
				log.Fatalf("loading %q: %v", args[0], err)
			}
			log.Infof("loaded %d rows from %q", tbl.Len(), args[0])

			mapping := doc.mapping()
			if !mapping.GeometryUsable() {
				log.Fatal("neither a geometry column nor both coordinate columns are mapped")
			}
			warnMissingColumns(log, tbl, mapping, properties)

			conn := connect(log)
			defer conn.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, err := db.NewSession(ctx, conn.DB)
			if err != nil {
				log.Fatalf("opening database session: %v", err)
			}
			defer session.Close()

			batch := ingest.NewBatch(ingest.NewPGStore(session), log, ingest.Options{
				CityName:        city,
				ServiceType:     serviceType,
				Mapping:         mapping,
				Properties:      properties,
				AddressPrefixes: doc.prefixes,
				NewPrefix:       doc.newPrefix,
				Commit:          !dryRun,
				Verbose:         verbose,
				LogEvery:        logEvery,
				KeepOnCancel:    askKeepChanges,
			})
			report, err := batch.Run(ctx, tbl)
			if err != nil {
				log.Fatalf("insertion failed: %v", err)
			}
			sheet := fmt.Sprintf("%s_%s", serviceType, time.Now().Format("2006-01-02_15-04"))
			saveReport(log, report.Table, outFile, sheet)
		},
	}

	cmd.Flags().StringVar(&city, "city", "", "target city name (required)")
	cmd.Flags().StringVar(&serviceType, "service-type", "", "service type name or code (required)")
	cmd.Flags().StringVar(&logFile, "log", "", "duplicate logs into the given file")
	cmd.Flags().StringVar(&outFile, "output", "", "results file, .xlsx or .csv (default insertion_<timestamp>.xlsx)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "roll back everything at the end instead of committing")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log row-level progress")
	cmd.Flags().IntVar(&logEvery, "checkpoint-every", ingest.DefaultCheckpointInterval, "rows between progress logs and commit checkpoints")
	doc.register(cmd)
	_ = cmd.MarkFlagRequired("city")
	_ = cmd.MarkFlagRequired("service-type")

	return cmd
}

// createPreviewCmd creates the preview subcommand
func createPreviewCmd() *cobra.Command {
	var (
		city        string
		serviceType string
		verbose     bool
		asJSON      bool
		doc         documentFlags
	)

	cmd := &cobra.Command{
		Use:   "preview [filename]",
		Short: "Classify a document without writing anything",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			log, err := logging.New(verbose, "")
			if err != nil {
				fmt.Printf("logging setup failed: %v\n", err)
				os.Exit(1)
			}

			tbl, err := table.Load(args[0], nil, nil)
			if err != nil {
				log.Fatalf("loading %q: %v", args[0], err)
			}

			conn := connect(log)
			defer conn.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			session, err := db.NewSession(ctx, conn.DB)
			if err != nil {
				log.Fatalf("opening database session: %v", err)
			}
			defer session.Close()

			batch := ingest.NewBatch(ingest.NewPGStore(session), log, ingest.Options{
				CityName:        city,
				ServiceType:     serviceType,
				Mapping:         doc.mapping(),
				AddressPrefixes: doc.prefixes,
			})
			previews, err := batch.Preview(ctx, tbl)
			if err != nil {
				log.Fatalf("preview failed: %v", err)
			}

			if asJSON {
				encoder := json.NewEncoder(os.Stdout)
				encoder.SetIndent("", "  ")
				if err := encoder.Encode(previews); err != nil {
					log.Fatalf("encoding preview: %v", err)
				}
				return
			}

			counts := map[string]int{}
			for _, p := range previews {
				counts[p.Kind]++
				if p.Detail != "" {
					fmt.Printf("row %d: %s (%s)\n", p.Index, p.Kind, p.Detail)
				} else {
					fmt.Printf("row %d: %s\n", p.Index, p.Kind)
				}
			}
			fmt.Printf("\n%d rows total", len(previews))
			for _, kind := range []string{ingest.PreviewNew, ingest.PreviewByAddress, ingest.PreviewByGeometry, ingest.PreviewUpdate, ingest.PreviewSkip, ingest.PreviewError} {
				if counts[kind] > 0 {
					fmt.Printf(", %d %s", counts[kind], kind)
				}
			}
			fmt.Println()
		},
	}

	cmd.Flags().StringVar(&city, "city", "", "target city name (required)")
	cmd.Flags().StringVar(&serviceType, "service-type", "", "service type name or code (required)")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log row-level progress")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the classification as JSON")
	doc.register(cmd)
	_ = cmd.MarkFlagRequired("city")
	_ = cmd.MarkFlagRequired("service-type")

	return cmd
}

// createServeCmd creates the serve subcommand
func createServeCmd() *cobra.Command {
	var (
		host    string
		port    int
		verbose bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the dry-run preview API over HTTP",
		Run: func(cmd *cobra.Command, args []string) {
			log, err := logging.New(verbose, "")
			if err != nil {
				fmt.Printf("logging setup failed: %v\n", err)
				os.Exit(1)
			}

			conn := connect(log)
			defer conn.Close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := web.NewServer(conn.DB, log, fmt.Sprintf("%s:%d", host, port))
			if err := server.Start(ctx); err != nil {
				log.Fatalf("server failed: %v", err)
			}
		},
	}

	cmd.Flags().StringVar(&host, "host", "0.0.0.0", "interface to listen on")
	cmd.Flags().IntVar(&port, "port", 8080, "port to listen on")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "log every request")

	return cmd
}

// createPingCmd creates a command to test database connectivity
func createPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Test database connectivity",
		Run: func(cmd *cobra.Command, args []string) {
			log, err := logging.New(false, "")
			if err != nil {
				fmt.Printf("logging setup failed: %v\n", err)
				os.Exit(1)
			}

			conn := connect(log)
			defer conn.Close()
			fmt.Println("Database connection successful!")

			for _, probe := range []struct {
				label string
				query string
			}{
				{"cities", "SELECT count(*) FROM cities"},
				{"service types", "SELECT count(*) FROM city_service_types"},
				{"physical objects", "SELECT count(*) FROM physical_objects"},
				{"services", "SELECT count(*) FROM functional_objects"},
			} {
				var count int
				if err := conn.DB.QueryRow(probe.query).Scan(&count); err != nil {
					log.Errorf("counting %s: %v", probe.label, err)
					continue
				}
				fmt.Printf("%s: %d\n", probe.label, count)
			}
		},
	}
}

// createPropertiesKeysCmd creates the properties-keys subcommand
func createPropertiesKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "properties-keys [service-type]",
		Short: "List the property document keys stored for a service type",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			log, err := logging.New(false, "")
			if err != nil {
				fmt.Printf("logging setup failed: %v\n", err)
				os.Exit(1)
			}

			conn := connect(log)
			defer conn.Close()

			ctx := context.Background()
			session, err := db.NewSession(ctx, conn.DB)
			if err != nil {
				log.Fatalf("opening database session: %v", err)
			}
			defer session.Close()

			keys, err := ingest.NewPGStore(session).PropertiesKeys(ctx, args[0])
			if err != nil {
				log.Fatalf("listing properties keys: %v", err)
			}
			sort.Strings(keys)
			for _, key := range keys {
				fmt.Println(key)
			}
		},
	}
}
