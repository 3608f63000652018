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
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/awslabs/hyperpod-addons/cmd/hpaddons/commands"
)

var rootCmd = &cobra.Command{
	Use:   "hpaddons",
	Short: "hpaddons invokes HyperPod add-on handlers locally",
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	commands.AddInvokeCommands(rootCmd)
	commands.AddListCommands(rootCmd)
}
