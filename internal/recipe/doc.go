// Package recipe describes multi-stage image builds.
//
// A [Recipe] is an ordered list of stages. Each stage starts from a registry
// image or from an earlier stage, runs shell commands, copies files from the
// build context or from earlier stages, and accumulates environment, working
// directory, shell, and user modifiers. The last stage is the one exported;
// every stage before it is transient. The [ImageConfig] carries the runtime
// metadata of the exported image: user, exposed ports, healthcheck, and the
// default command.
//
// Recipes are written in YAML:
//
//	name: api
//	python:
//	  version: "3.11"
//	stages:
//	  - name: base
//	    from: python:3.11-slim
//	    transient: true
//	    steps:
//	      - env: {PYTHONUNBUFFERED: "1"}
//	      - run: apt-get update && rm -rf /var/lib/apt/lists/*
//	  - name: production
//	    from: base
//	    steps:
//	      - copy: . /app
//	      - user: "1001:1001"
//	image:
//	  ports: [5000]
//	  cmd: [gunicorn, app:app]
//
// [Default] returns the canonical three-stage recipe (base, deps, production)
// for a WSGI application, and [Recipe.Dockerfile] renders any valid recipe as
// an equivalent Dockerfile.
package recipe
