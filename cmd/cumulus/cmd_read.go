package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/yairfalse/cumulus/internal/filter"
	"github.com/yairfalse/cumulus/internal/service"
	"github.com/yairfalse/cumulus/pkg/resource"
)

// service resolves the KIND argument to its façade.
func (a *app) service(arg string) (*service.Service, error) {
	kind, err := resource.ParseKind(arg)
	if err != nil {
		return nil, err
	}
	return a.cloud.Service(kind)
}

func (a *app) listCmd() *cobra.Command {
	var (
		limit   int
		cursor  string
		network string
	)
	cmd := &cobra.Command{
		Use:   "list KIND",
		Short: "List resources of a kind, one page at a time",
		Example: `  cumulus list instances
  cumulus list volumes --limit 10 --cursor <cursor>
  cumulus list subnets --network cumulus-default`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(args[0])
			if err != nil {
				return err
			}
			var page resource.Page[resource.Resource]
			if network != "" {
				if svc.Kind() != resource.KindSubnet {
					return fmt.Errorf("--network only applies to subnets")
				}
				page, err = a.cloud.Subnets.ListInNetwork(cmd.Context(), resource.ByID(network), limit, resource.Cursor(cursor))
			} else {
				page, err = svc.List(cmd.Context(), limit, resource.Cursor(cursor))
			}
			if err != nil {
				return err
			}
			return a.printPage(page)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (0 = configured default)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Continue from a previous page")
	cmd.Flags().StringVar(&network, "network", "", "List the subnets of this network")
	return cmd
}

func (a *app) getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KIND REF",
		Short: "Show one resource by name, label, ID or link",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(args[0])
			if err != nil {
				return err
			}
			r, err := svc.Get(cmd.Context(), resource.ByID(args[1]))
			if err != nil {
				return err
			}
			if r == nil {
				return fmt.Errorf("%s %s: %w", svc.Kind(), args[1], resource.ErrNotFound)
			}
			return a.printResource(r)
		},
	}
}

func (a *app) findCmd() *cobra.Command {
	var (
		limit  int
		cursor string
	)
	cmd := &cobra.Command{
		Use:   "find KIND KEY=VALUE...",
		Short: "Find resources matching every criterion",
		Example: `  cumulus find instances label=web
  cumulus find keypairs name=deploy`,
		Args: cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			svc, err := a.service(args[0])
			if err != nil {
				return err
			}
			criteria, err := parseCriteria(args[1:])
			if err != nil {
				return err
			}
			page, err := svc.Find(cmd.Context(), criteria, limit, resource.Cursor(cursor))
			if err != nil {
				return err
			}
			return a.printPage(page)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size (0 = configured default)")
	cmd.Flags().StringVar(&cursor, "cursor", "", "Continue from a previous page")
	return cmd
}

func parseCriteria(args []string) (filter.Criteria, error) {
	c := make(filter.Criteria, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("criterion %q: want key=value", arg)
		}
		if _, dup := c[k]; dup {
			return nil, fmt.Errorf("criterion %q given twice", k)
		}
		c[k] = v
	}
	return c, nil
}
