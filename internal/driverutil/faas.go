// Copyright (C) MongoDB, Inc. 2023-present.
//
// Licensed under the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License. You may obtain
// a copy of the License at http://www.apache.org/licenses/LICENSE-2.0

package driverutil

import (
	"os"
	"strings"
)

// AwsLambdaPrefix marks AWS_EXECUTION_ENV values that describe an AWS Lambda
// runtime.
const AwsLambdaPrefix = "AWS_Lambda_"

// Environment variables that identify a FaaS platform.
const (
	EnvVarAWSExecutionEnv        = "AWS_EXECUTION_ENV"
	EnvVarAWSLambdaRuntimeAPI    = "AWS_LAMBDA_RUNTIME_API"
	EnvVarFunctionsWorkerRuntime = "FUNCTIONS_WORKER_RUNTIME"
	EnvVarKService               = "K_SERVICE"
	EnvVarFunctionName           = "FUNCTION_NAME"
	EnvVarVercel                 = "VERCEL"
)

// Environment variables that carry extra FaaS details for client metadata.
const (
	EnvVarAWSRegion                   = "AWS_REGION"
	EnvVarAWSLambdaFunctionMemorySize = "AWS_LAMBDA_FUNCTION_MEMORY_SIZE"
)

// Platform names reported in the client.env.name handshake field.
const (
	EnvNameAWSLambda = "aws.lambda"
	EnvNameAzureFunc = "azure.func"
	EnvNameGCPFunc   = "gcp.func"
	EnvNameVercel    = "vercel"
)

// GetFaasEnvName inspects the process environment and returns the
// client.env.name value to report in the handshake. It returns "" when no
// FaaS platform is detected, and also when variables for conflicting
// platforms are set, since client.env must then be omitted entirely. The one
// sanctioned conflict is "vercel" over "aws.lambda", where vercel wins.
func GetFaasEnvName() string {
	envVars := []string{
		EnvVarAWSExecutionEnv,
		EnvVarAWSLambdaRuntimeAPI,
		EnvVarFunctionsWorkerRuntime,
		EnvVarKService,
		EnvVarFunctionName,
		EnvVarVercel,
	}

	names := make(map[string]struct{})

	for _, envVar := range envVars {
		val := os.Getenv(envVar)
		if val == "" {
			continue
		}

		var name string

		switch envVar {
		case EnvVarAWSExecutionEnv:
			if !strings.HasPrefix(val, AwsLambdaPrefix) {
				continue
			}

			name = EnvNameAWSLambda
		case EnvVarAWSLambdaRuntimeAPI:
			name = EnvNameAWSLambda
		case EnvVarFunctionsWorkerRuntime:
			name = EnvNameAzureFunc
		case EnvVarKService, EnvVarFunctionName:
			name = EnvNameGCPFunc
		case EnvVarVercel:
			// vercel wins over aws.lambda.
			delete(names, EnvNameAWSLambda)

			name = EnvNameVercel
		}

		names[name] = struct{}{}
		if len(names) > 1 {
			// Conflicting platforms; report nothing.
			names = nil

			break
		}
	}

	for name := range names {
		return name
	}

	return ""
}
