package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/BHPAV/Runner/internal/types"
)

// seedTask is the YAML shape of one catalog entry.
type seedTask struct {
	TaskID        string            `yaml:"task_id"`
	Kind          string            `yaml:"kind"`
	Code          string            `yaml:"code"`
	DefaultParams map[string]any    `yaml:"default_params,omitempty"`
	WorkingDir    string            `yaml:"working_dir,omitempty"`
	Env           map[string]string `yaml:"env,omitempty"`
	Timeout       string            `yaml:"timeout,omitempty"`
	Disabled      bool              `yaml:"disabled,omitempty"`
}

type seedFile struct {
	Tasks []seedTask `yaml:"tasks"`
}

var seedCmd = &cobra.Command{
	Use:   "seed <file.yaml>",
	Short: "Load task definitions into the catalog",
	Long: `Load task definitions from a YAML file into the catalog, inserting new
tasks and replacing existing ones by task_id. Example file:

  tasks:
    - task_id: build
      kind: shell
      code: "make {target}"
      default_params:
        target: all
      timeout: 10m
    - task_id: report
      kind: python
      code: |
        import json
        print(json.dumps({"__task_result__": True, "output": "ok"}))`,
	Args: cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		data, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		var sf seedFile
		if err := yaml.Unmarshal(data, &sf); err != nil {
			return fmt.Errorf("invalid seed file: %w", err)
		}
		if len(sf.Tasks) == 0 {
			return fmt.Errorf("seed file defines no tasks")
		}

		s, cleanup, err := openStores(rootCtx)
		if err != nil {
			return err
		}
		defer cleanup()

		for _, st := range sf.Tasks {
			def, err := seedToDefinition(st)
			if err != nil {
				return err
			}
			if err := s.Store.PutTask(rootCtx, def); err != nil {
				return err
			}
		}
		fmt.Printf("Seeded %d task(s) into %s\n", len(sf.Tasks), s.Store.Path())
		return nil
	},
}

func seedToDefinition(st seedTask) (*types.TaskDefinition, error) {
	if st.TaskID == "" {
		return nil, fmt.Errorf("seed task missing task_id")
	}
	var timeout time.Duration
	if st.Timeout != "" {
		var err error
		timeout, err = time.ParseDuration(st.Timeout)
		if err != nil {
			return nil, fmt.Errorf("task %s: invalid timeout %q: %w", st.TaskID, st.Timeout, err)
		}
	}
	return &types.TaskDefinition{
		TaskID:        st.TaskID,
		Kind:          types.TaskKind(st.Kind),
		Code:          st.Code,
		DefaultParams: st.DefaultParams,
		WorkingDir:    st.WorkingDir,
		Env:           st.Env,
		Timeout:       timeout,
		Enabled:       !st.Disabled,
	}, nil
}

func init() {
	rootCmd.AddCommand(seedCmd)
}
