package main

import (
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/3cpo-dev/cloudworkers/internal/configure"
	"github.com/3cpo-dev/cloudworkers/internal/core"
	prov "github.com/3cpo-dev/cloudworkers/internal/providers"
	"github.com/3cpo-dev/cloudworkers/internal/providers/generic"
	"github.com/3cpo-dev/cloudworkers/pkg/api"
)

// Create cloud nodes
func newCreateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create nodes on a cloud provider and deploy them",
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, _ := cmd.Flags().GetString("provider")
			count, _ := cmd.Flags().GetInt("count")
			parallel, _ := cmd.Flags().GetInt("parallel")
			skipDeploy, _ := cmd.Flags().GetBool("skip-deploy")
			if count < 1 {
				return errors.New("--count must be at least 1")
			}
			if provider == prov.KindGeneric {
				return errors.New("generic hosts are attached with `add`")
			}
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			d, err := a.registry(nil).Get(provider)
			if err != nil {
				return err
			}
			overrides, seed := defaultOverrides(cmd)
			e, err := a.open(cmd.Context(), "create", core.OpenOptions{
				SeedNetwork:      seed,
				DefaultOverrides: overrides,
				Parallelism:      parallel,
			})
			if err != nil {
				return err
			}
			defer e.Close()

			names := nodeNames(a.namespace, a.network, count)
			sum, err := e.EnsureNodes(cmd.Context(), d, paramSources(cmd, a.env), names)
			if err != nil {
				return err
			}
			if err := report(cmd, sum); err != nil {
				return err
			}
			if skipDeploy {
				return nil
			}
			log.Info().Int("nodes", len(names)).Msg("The requested number of nodes now exist, deploying")
			return runConfigure(cmd, a, e, configure.Request{
				Op:            configure.OpDeploy,
				Nodes:         names,
				Overrides:     overrides,
				WaitReachable: true,
			})
		},
	}
	cmd.Flags().String("provider", prov.KindAWS, "cloud provider: aws, digitalocean or hetzner")
	cmd.Flags().Int("count", 1, "number of nodes the fleet should have")
	cmd.Flags().Int("parallel", 0, "create up to this many nodes at once (default from config)")
	cmd.Flags().Bool("skip-deploy", false, "create the nodes without configuring them")
	addParamFlags(cmd)
	addDefaultFlags(cmd)
	return cmd
}

// Attach an existing host
func newAddCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Attach an existing host to a namespace",
		RunE: func(cmd *cobra.Command, args []string) error {
			address, _ := cmd.Flags().GetString("host-address")
			login, _ := cmd.Flags().GetString("login-name")
			keyPath, _ := cmd.Flags().GetString("key-path")
			port, _ := cmd.Flags().GetInt("ssh-port")
			nickname, _ := cmd.Flags().GetString("host-nickname")
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			host := &generic.Host{Address: address, User: login, KeyPath: keyPath, Port: port}
			d, err := a.registry(host).Get(prov.KindGeneric)
			if err != nil {
				return err
			}
			e, err := a.open(cmd.Context(), "add", core.OpenOptions{})
			if err != nil {
				return err
			}
			defer e.Close()

			sum, err := e.EnsureNodes(cmd.Context(), d, paramSources(cmd, a.env), []string{nodeName(a.namespace, a.network, nickname)})
			if err != nil {
				return err
			}
			if err := report(cmd, sum); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Now run `cloudworkers deploy --network %s --namespace %s` to configure this host.\n", a.network, a.namespace)
			return nil
		},
	}
	cmd.Flags().String("host-address", "", "IP address or hostname of the host")
	cmd.Flags().String("login-name", "", "user with root privileges to ssh as")
	cmd.Flags().String("key-path", "", "private key used to ssh into the host")
	cmd.Flags().Int("ssh-port", 22, "port the host's ssh daemon listens on")
	cmd.Flags().String("host-nickname", "", "nickname to remember this host by")
	_ = cmd.MarkFlagRequired("host-address")
	_ = cmd.MarkFlagRequired("login-name")
	_ = cmd.MarkFlagRequired("host-nickname")
	return cmd
}

// Destroy nodes and, once a provider has none left, its shared resources
func newDestroyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destroy [node...]",
		Short: "Destroy nodes; the last node of a provider also removes its shared resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			all, _ := cmd.Flags().GetBool("all")
			if len(args) == 0 && !all {
				return errors.New("name the nodes to destroy or pass --all")
			}
			a, err := loadApp(cmd)
			if err != nil {
				return err
			}
			defer a.close()
			e, err := a.open(cmd.Context(), "destroy", core.OpenOptions{MustExist: true})
			if err != nil {
				return err
			}
			defer e.Close()

			snap := e.Snapshot()
			byProvider, unknown := groupByProvider(snap.Instances, args, all)
			if all {
				// Providers with no nodes left may still hold shared resources
				// from an incomplete teardown.
				for kind := range snap.SharedResources {
					if _, ok := byProvider[kind]; !ok {
						byProvider[kind] = nil
					}
				}
			}
			for _, n := range unknown {
				log.Warn().Str("node", n).Msg("No such node, skipping")
			}
			reg := a.registry(nil)
			var failed []error
			for _, kind := range sortedKinds(byProvider) {
				d, err := reg.Get(kind)
				if err != nil {
					failed = append(failed, err)
					continue
				}
				sum, err := e.DestroyNodes(cmd.Context(), d, paramSources(cmd, a.env), byProvider[kind])
				if err != nil {
					failed = append(failed, fmt.Errorf("%s: %w", kind, err))
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s: ", kind)
				if err := report(cmd, sum); err != nil {
					failed = append(failed, fmt.Errorf("%s: %w", kind, err))
				}
			}
			return errors.Join(failed...)
		},
	}
	cmd.Flags().Bool("all", false, "destroy every node in the namespace")
	addParamFlags(cmd)
	return cmd
}

// groupByProvider splits the requested names by the provider that owns them.
func groupByProvider(instances map[string]api.InstanceRecord, names []string, all bool) (map[string][]string, []string) {
	if all {
		names = make([]string, 0, len(instances))
		for n := range instances {
			names = append(names, n)
		}
		sort.Strings(names)
	}
	out := map[string][]string{}
	var unknown []string
	for _, n := range names {
		rec, ok := instances[n]
		if !ok {
			unknown = append(unknown, n)
			continue
		}
		out[rec.Provider] = append(out[rec.Provider], n)
	}
	return out, unknown
}

func sortedKinds(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
