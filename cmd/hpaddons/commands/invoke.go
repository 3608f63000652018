// Copyright Amazon.com Inc. or its affiliates. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License"). You may
// not use this file except in compliance with the License. A copy of the
// License is located at
//
//	http://aws.amazon.com/apache2.0/
//
// or in the "license" file accompanying this file. This file is distributed
// on an "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either
// express or implied. See the License for the specific language governing
// permissions and limitations under the License.

package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/awslabs/hyperpod-addons/internal/handlers"
	"github.com/awslabs/hyperpod-addons/internal/lifecycle"
	"github.com/awslabs/hyperpod-addons/internal/logging"
)

func AddInvokeCommands(rootCmd *cobra.Command) {
	var verbosity int

	invokeCmd := &cobra.Command{
		Use:   "invoke HANDLER EVENT_FILE",
		Short: "Invoke an add-on handler with an event file",
		Long: `Invoke an add-on handler locally. The event file holds a lifecycle
event (RequestType, ResourceProperties, ...) as JSON. The handler runs
against the AWS credentials and environment of the current shell, and
the result is printed instead of being published to CloudFormation.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			log := logging.New(verbosity)

			raw, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("reading event file: %w", err)
			}
			ev := &lifecycle.Event{}
			if err := json.Unmarshal(raw, ev); err != nil {
				return fmt.Errorf("parsing event file: %w", err)
			}

			h := handlers.New(cmd.Context(), handlers.Name(args[0]), ev, log)
			res := lifecycle.Run(cmd.Context(), log, h, ev)

			encoded, err := json.MarshalIndent(res, "", "  ")
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(encoded))
			if res.Outcome == lifecycle.Failed {
				return fmt.Errorf("handler %s failed: %s", args[0], res.Reason)
			}
			return nil
		},
	}
	invokeCmd.Flags().IntVarP(&verbosity, "verbosity", "v", 0, "log verbosity level")

	rootCmd.AddCommand(invokeCmd)
}
