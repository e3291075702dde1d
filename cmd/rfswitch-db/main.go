// RF Switch Database CLI Tool
// Provides command-line access to the controller database
package main

import (
	"database/sql"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"

	"github.com/homectl/rfswitch/internal/engine"
	"github.com/homectl/rfswitch/internal/storage"
)

var (
	dbPath  string
	rootCmd = &cobra.Command{
		Use:   "rfswitch-db",
		Short: "RF Switch Database CLI",
		Long:  "Command-line tool for inspecting the RF switch controller database.",
	}

	apartmentsCmd = &cobra.Command{
		Use:   "apartments",
		Short: "List all apartments",
		RunE:  listApartments,
	}

	roomsCmd = &cobra.Command{
		Use:   "rooms [apartment]",
		Short: "List rooms",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listRooms,
	}

	receiversCmd = &cobra.Command{
		Use:   "receivers [apartment]",
		Short: "List receivers and their last activated button",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listReceivers,
	}

	gatewaysCmd = &cobra.Command{
		Use:   "gateways",
		Short: "List gateways",
		RunE:  listGateways,
	}

	scenesCmd = &cobra.Command{
		Use:   "scenes [apartment]",
		Short: "List scenes",
		Args:  cobra.MaximumNArgs(1),
		RunE:  listScenes,
	}

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "Show recent history",
		RunE:  showHistory,
	}

	timersCmd = &cobra.Command{
		Use:   "timers",
		Short: "Show timers",
		RunE:  showTimers,
	}

	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show database statistics",
		RunE:  showStats,
	}

	queryCmd = &cobra.Command{
		Use:   "query [sql]",
		Short: "Execute a raw SQL query",
		Args:  cobra.ExactArgs(1),
		RunE:  executeQuery,
	}

	limit int
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&dbPath, "database", "d", "/var/lib/rfswitch/rfswitch.db", "Database file path")

	historyCmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of records to show")

	rootCmd.AddCommand(apartmentsCmd)
	rootCmd.AddCommand(roomsCmd)
	rootCmd.AddCommand(receiversCmd)
	rootCmd.AddCommand(gatewaysCmd)
	rootCmd.AddCommand(scenesCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(timersCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(queryCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func openDB() (*storage.DB, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database %s: %w", dbPath, err)
	}
	return storage.Open(dbPath)
}

// apartmentsFor returns the named apartment or all of them
func apartmentsFor(db *storage.DB, args []string) ([]*storage.Apartment, error) {
	if len(args) > 0 {
		apt, err := db.FindApartmentByName(args[0])
		if err != nil {
			return nil, err
		}
		return []*storage.Apartment{apt}, nil
	}
	return db.ListApartments()
}

func gatewayNames(gateways []*storage.Gateway) string {
	if len(gateways) == 0 {
		return "-"
	}
	names := make([]string, len(gateways))
	for i, g := range gateways {
		names[i] = g.Name
	}
	return strings.Join(names, ",")
}

func listApartments(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	apts, err := db.ListApartments()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tGATEWAYS\tGEOFENCE")
	fmt.Fprintln(w, "--\t----\t--------\t--------")

	for _, a := range apts {
		geo := "-"
		if a.Geofence != nil {
			geo = fmt.Sprintf("%s (%s)", a.Geofence.Name, a.Geofence.State)
			if !a.Geofence.Active {
				geo += " inactive"
			}
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", a.ID, a.Name, gatewayNames(a.Gateways), geo)
	}
	w.Flush()
	return nil
}

func listRooms(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	apts, err := apartmentsFor(db, args)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAPARTMENT\tNAME\tRECEIVERS\tGATEWAYS")
	fmt.Fprintln(w, "--\t---------\t----\t---------\t--------")

	for _, a := range apts {
		rooms, err := db.ListRooms(a.ID)
		if err != nil {
			return err
		}
		for _, r := range rooms {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\n", r.ID, a.Name, r.Name, len(r.Receivers), gatewayNames(r.Gateways))
		}
	}
	w.Flush()
	return nil
}

func listReceivers(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	apts, err := apartmentsFor(db, args)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROOM\tNAME\tMODEL\tKIND\tREPS\tBUTTONS\tLAST")
	fmt.Fprintln(w, "--\t----\t----\t-----\t----\t----\t-------\t----")

	for _, a := range apts {
		rooms, err := db.ListRooms(a.ID)
		if err != nil {
			return err
		}
		for _, room := range rooms {
			for _, r := range room.Receivers {
				buttons := make([]string, len(r.Buttons))
				for i, b := range r.Buttons {
					buttons[i] = b.Name
				}
				last := "-"
				if b, ok := r.Button(r.LastActivatedButtonID); ok {
					last = b.Name
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
					r.ID, room.Name, r.Name, r.Model, r.Kind, r.Repetitions, strings.Join(buttons, ","), last)
			}
		}
	}
	w.Flush()
	return nil
}

func listGateways(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	gateways, err := db.ListGateways()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tMODEL\tLOCAL\tWAN\tTIMEOUT\tACTIVE\tSSIDS")
	fmt.Fprintln(w, "--\t----\t-----\t-----\t---\t-------\t------\t-----")

	for _, g := range gateways {
		local := "-"
		if g.LocalHost != "" {
			local = fmt.Sprintf("%s:%d", g.LocalHost, g.LocalPort)
		}
		wan := "-"
		if g.WANHost != "" {
			wan = fmt.Sprintf("%s:%d", g.WANHost, g.WANPort)
		}
		active := "N"
		if g.Active {
			active = "Y"
		}
		ssids := "-"
		if len(g.SSIDs) > 0 {
			ssids = strings.Join(g.SSIDs, ",")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			g.ID, g.Name, g.Model, local, wan, g.Timeout, active, ssids)
	}
	w.Flush()
	return nil
}

func listScenes(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	apts, err := apartmentsFor(db, args)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAPARTMENT\tNAME\tITEMS")
	fmt.Fprintln(w, "--\t---------\t----\t-----")

	for _, a := range apts {
		scenes, err := db.ListScenes(a.ID)
		if err != nil {
			return err
		}
		for _, s := range scenes {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\n", s.ID, a.Name, s.Name, len(s.Items))
		}
	}
	w.Flush()
	return nil
}

func showHistory(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	items, err := db.ListHistory(limit)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tTEXT")
	fmt.Fprintln(w, "----\t----")

	for _, h := range items {
		fmt.Fprintf(w, "%s\t%s\n", h.Time.Local().Format("2006-01-02 15:04:05"), h.Text)
	}
	w.Flush()
	return nil
}

func showTimers(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	timers, err := db.ListTimers(false)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tACTIVE\tSCHEDULE\tLAST RUN\tACTIONS")
	fmt.Fprintln(w, "--\t----\t------\t--------\t--------\t-------")

	for _, t := range timers {
		active := "N"
		if t.Active {
			active = "Y"
		}

		var schedule string
		switch t.Kind {
		case storage.TimerWeekday:
			schedule = fmt.Sprintf("%02d:%02d %s", t.ExecuteAt/60, t.ExecuteAt%60, engine.DayMaskString(t.DayMask))
		case storage.TimerInterval:
			schedule = "every " + t.Interval.String()
		default:
			schedule = string(t.Kind)
		}

		last := "-"
		if !t.LastExecution.IsZero() {
			last = t.LastExecution.Local().Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%d\n", t.ID, t.Name, active, schedule, last, len(t.ActionIDs))
	}
	w.Flush()
	return nil
}

func showStats(cmd *cobra.Command, args []string) error {
	db, err := openDB()
	if err != nil {
		return err
	}
	defer db.Close()

	stats, err := db.Stats()
	if err != nil {
		return err
	}

	fmt.Println("=== Database Statistics ===")

	tables := make([]string, 0, len(stats))
	for table := range stats {
		tables = append(tables, table)
	}
	sort.Strings(tables)
	for _, table := range tables {
		fmt.Printf("%-12s %d\n", table+":", stats[table])
	}

	items, err := db.ListHistory(1)
	if err != nil {
		return err
	}
	if len(items) > 0 {
		fmt.Printf("Last action: %s (%s ago)\n", items[0].Text, time.Since(items[0].Time).Round(time.Second))
	}
	return nil
}

func executeQuery(cmd *cobra.Command, args []string) error {
	// mode=ro is only honored for file: URIs
	db, err := sql.Open("sqlite3", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return err
	}
	defer db.Close()

	return runQuery(db, args[0], os.Stdout)
}

// runQuery prints the result of a SELECT or WITH statement as a table
func runQuery(db *sql.DB, query string, out io.Writer) error {
	verb, _, _ := strings.Cut(strings.ToUpper(strings.TrimSpace(query)), " ")
	if verb != "SELECT" && verb != "WITH" {
		return fmt.Errorf("only SELECT queries are allowed, got %s", verb)
	}

	rows, err := db.Query(query)
	if err != nil {
		return err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	underline := make([]string, len(cols))
	for i, c := range cols {
		underline[i] = strings.Repeat("-", len(c))
	}
	fmt.Fprintln(w, strings.Join(cols, "\t"))
	fmt.Fprintln(w, strings.Join(underline, "\t"))

	cells := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range cells {
		dest[i] = &cells[i]
	}

	count := 0
	row := make([]string, len(cols))
	for rows.Next() {
		if err := rows.Scan(dest...); err != nil {
			return err
		}
		for i, v := range cells {
			row[i] = formatCell(v)
		}
		fmt.Fprintln(w, strings.Join(row, "\t"))
		count++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	w.Flush()

	fmt.Fprintf(out, "(%d rows)\n", count)
	return nil
}

func formatCell(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(val)
	case time.Time:
		return val.Local().Format("2006-01-02 15:04:05")
	default:
		return fmt.Sprint(val)
	}
}
