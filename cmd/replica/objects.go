package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/replicasync/replica/internal/replica/db"
	"github.com/replicasync/replica/internal/replica/schema"
)

const uploadTimeout = 15 * time.Second

var putCmd = &cobra.Command{
	Use:     "put <class> field=value...",
	GroupID: "data",
	Short:   "Create or update an object",
	Long: `Create or update an object in the replica.

Objects of classes with a primary key are matched by the key; other classes
create a new object unless --id names an existing one. Values are read by
property type: lists take comma-separated IDs or a JSON array, links take the
target ID, and an empty value clears a link.

When logged in, put waits until the change is uploaded.

Example usage:
  replica put Owner ownerId=7 ownerName=Ann ownerYear=1980
  replica put Car carId=1 carYear=2020 carOwners=7,8
  replica put Manufacture --id m-1 manufactureName=Volvo manufactureLocation=Gothenburg`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		id, _ := cmd.Flags().GetString("id")
		class := args[0]

		ctx := context.Background()
		r, err := openReplica(ctx, "replica")
		if err != nil {
			fatalf("failed to open replica: %v", err)
		}
		defer r.Close()

		c, err := r.DB().Schema().MustClass(class)
		if err != nil {
			r.Close()
			fatalf("%v", err)
		}
		fields, err := parseAssignments(c, args[1:])
		if err != nil {
			r.Close()
			fatalf("%v", err)
		}

		var obj *schema.Object
		entry, err := r.Write(ctx, func(tx *db.Tx) error {
			var err error
			if id != "" {
				obj, err = tx.Put(class, id, fields)
			} else {
				obj, err = tx.Upsert(class, fields)
			}
			return err
		})
		if err != nil {
			r.Close()
			fatalf("failed to write %s: %v", class, err)
		}

		fmt.Printf("%s %s %s (version %d)\n", RenderPass("✓"), class, obj.ID, entry.Version)
		printObject(c, obj)
		if err := flushUploads(r, uploadTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", RenderWarn("Warning:"), err)
		}
	},
}

var deleteCmd = &cobra.Command{
	Use:     "delete <class> <id>...",
	GroupID: "data",
	Short:   "Delete objects",
	Long: `Delete objects by ID. Links pointing at a deleted object are removed in the
same transaction, so the other side of an inverse relationship changes too.`,
	Args: cobra.MinimumNArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		class := args[0]
		ctx := context.Background()
		r, err := openReplica(ctx, "replica")
		if err != nil {
			fatalf("failed to open replica: %v", err)
		}
		defer r.Close()

		entry, err := r.Write(ctx, func(tx *db.Tx) error {
			for _, id := range args[1:] {
				if err := tx.Delete(class, id); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			r.Close()
			if errors.Is(err, db.ErrNotFound) {
				fatalf("%v", err)
			}
			fatalf("failed to delete: %v", err)
		}

		fmt.Printf("%s Deleted %d %s (version %d)\n", RenderPass("✓"), len(args)-1, class, entry.Version)
		if err := flushUploads(r, uploadTimeout); err != nil {
			fmt.Fprintf(os.Stderr, "%s %v\n", RenderWarn("Warning:"), err)
		}
	},
}

var listCmd = &cobra.Command{
	Use:     "list <class>",
	GroupID: "data",
	Short:   "List objects in the local replica",
	Long: `List objects of a class from the local database, without syncing first.

Example usage:
  replica list Car --sort carYear --desc
  replica list Car --where carManufacture=m-1
  replica list Owner --json`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		where, _ := cmd.Flags().GetStringArray("where")
		sortBy, _ := cmd.Flags().GetString("sort")
		desc, _ := cmd.Flags().GetBool("desc")
		asJSON, _ := cmd.Flags().GetBool("json")

		store, err := openStore()
		if err != nil {
			fatalf("failed to open replica: %v", err)
		}
		defer store.Close()

		c, err := store.Schema().MustClass(args[0])
		if err != nil {
			store.Close()
			fatalf("%v", err)
		}
		filters, err := parseFilters(c, where)
		if err != nil {
			store.Close()
			fatalf("%v", err)
		}

		objs, err := store.Find(context.Background(), db.Query{
			Class:      c.Name,
			Where:      filters,
			SortBy:     sortBy,
			Descending: desc,
		})
		if err != nil {
			store.Close()
			fatalf("%v", err)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			for _, o := range objs {
				_ = enc.Encode(o)
			}
			return
		}
		if len(objs) == 0 {
			fmt.Println(RenderMuted("No objects"))
			return
		}

		header := []string{"ID"}
		for _, p := range c.Properties {
			header = append(header, p.Name)
		}
		rows := make([][]string, len(objs))
		for i, o := range objs {
			row := []string{o.ID}
			for _, p := range c.Properties {
				row = append(row, formatValue(o.Fields[p.Name]))
			}
			rows[i] = row
		}
		fmt.Print(renderTable(header, rows))
		fmt.Printf("\n%d %s\n", len(objs), c.Name)
	},
}

// parseAssignments turns field=value arguments into fields for c.
func parseAssignments(c *schema.ObjectSchema, args []string) (map[string]any, error) {
	fields := make(map[string]any, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("expected field=value, got %q", arg)
		}
		p, ok := c.Property(name)
		if !ok {
			return nil, fmt.Errorf("%s has no property %q", c.Name, name)
		}
		v, err := parseValue(p, raw)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		fields[name] = v
	}
	return fields, nil
}

// parseFilters turns field=value arguments into equality filters. Values
// are normalized so they compare equal to stored fields.
func parseFilters(c *schema.ObjectSchema, args []string) ([]db.Filter, error) {
	fields, err := parseAssignments(c, args)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	filters := make([]db.Filter, 0, len(names))
	for _, name := range names {
		p, _ := c.Property(name)
		if p.Type == schema.TypeList {
			return nil, fmt.Errorf("cannot filter on list property %q", name)
		}
		v, err := schema.Normalize(p, fields[name])
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		filters = append(filters, db.Filter{Field: name, Value: v})
	}
	return filters, nil
}

func parseValue(p *schema.Property, raw string) (any, error) {
	switch p.Type {
	case schema.TypeInt, schema.TypeFloat:
		return json.Number(raw), nil
	case schema.TypeBool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return nil, fmt.Errorf("expected true or false, got %q", raw)
		}
		return b, nil
	case schema.TypeList:
		if strings.HasPrefix(raw, "[") {
			var ids []string
			if err := json.Unmarshal([]byte(raw), &ids); err != nil {
				return nil, fmt.Errorf("invalid list: %w", err)
			}
			return ids, nil
		}
		ids := []string{}
		for _, id := range strings.Split(raw, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		return ids, nil
	case schema.TypeLinkingObjects:
		return nil, errors.New("computed from the linking class and cannot be set")
	default:
		return raw, nil
	}
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return RenderMuted("-")
	case []string:
		return strings.Join(v, ",")
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}

func printObject(c *schema.ObjectSchema, o *schema.Object) {
	for _, p := range c.Properties {
		fmt.Printf("  %-20s %s\n", p.Name, formatValue(o.Fields[p.Name]))
	}
}

func init() {
	putCmd.Flags().String("id", "", "Object ID, for classes without a primary key")
	listCmd.Flags().StringArray("where", nil, "Keep objects where field=value (repeatable)")
	listCmd.Flags().String("sort", "", "Sort by property")
	listCmd.Flags().Bool("desc", false, "Sort descending")
	listCmd.Flags().Bool("json", false, "Print one JSON object per line")
	rootCmd.AddCommand(putCmd, deleteCmd, listCmd)
}
